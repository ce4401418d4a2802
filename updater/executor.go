package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/deltatree/coretree/codec"
	"github.com/deltatree/coretree/corerr"
	"github.com/deltatree/coretree/digest"
	"github.com/deltatree/coretree/metadata"
	"github.com/deltatree/coretree/progress"
	"github.com/deltatree/coretree/workspace"
)

// PackageSource resolves a package id to the URLs the Transport fetches
// (normally a repo.Store mirrored over HTTP).
type PackageSource interface {
	MetadataURL(packageID string) string
	DataURL(packageID string) string
}

// Executor drives a Plan to completion against a workspace: it
// downloads each package's metadata and payload, decodes and verifies
// every operation, and commits the new revision once the last
// package's last operation has verified (spec §4.6).
type Executor struct {
	Transport   Transport
	Source      PackageSource
	Workspace   *workspace.Store
	Compressors *codec.CompressorRegistry
	Patchers    *codec.PatcherRegistry
	Retry       RetryPolicy
	// Concurrency bounds how many packages may download in parallel;
	// only the head-of-plan package feeds the apply stage regardless
	// (spec §4.6). Zero means 1.
	Concurrency int
	Bus         *progress.Bus
	// Graph, if set, lets Execute recover from a corerr.KindCorruptData
	// failure by building a fresh RepairPlan from the empty sentinel and
	// retrying once, instead of surfacing corruption as a terminal error
	// (spec §4.6 scenario S2: corruption detected mid-apply converges via
	// an automatic re-plan from empty). Nil disables automatic repair.
	Graph *Graph
}

func (e *Executor) concurrency() int {
	if e.Concurrency < 1 {
		return 1
	}
	return e.Concurrency
}

func (e *Executor) retryPolicy() RetryPolicy {
	if e.Retry.MaxAttempts == 0 {
		return DefaultRetryPolicy()
	}
	return e.Retry
}

func (e *Executor) publish(ev progress.Event) {
	if e.Bus != nil {
		e.Bus.Publish(ev)
	}
}

// downloaded is one package's fully retrieved metadata and local blob
// path, ready for the apply stage.
type downloaded struct {
	packageID string
	meta      metadata.PackageMetadata
	dataPath  string
}

// Execute downloads and applies plan's packages strictly in order,
// overlapping up to e.concurrency() downloads ahead of the apply stage,
// and commits targetRevision once every package has applied (spec
// §4.6). A corerr.KindCorruptData failure triggers one automatic
// RepairPlan-from-empty retry when e.Graph is set (spec §4.6 scenario
// S2); any other failure, or a second corruption, is returned as-is.
func (e *Executor) Execute(ctx context.Context, targetRevision string, plan *Plan) error {
	start := time.Now()
	defer func() { progress.ApplyDuration.Observe(time.Since(start).Seconds()) }()

	err := e.execute(ctx, targetRevision, plan)
	if err == nil || e.Graph == nil || !corerr.As(err, corerr.KindCorruptData) {
		return err
	}

	log := zerolog.Ctx(ctx).With().Str("component", "updater.Executor").Str("target_revision", targetRevision).Logger()
	log.Warn().Err(err).Msg("corruption detected, repairing from empty")
	e.publish(progress.Event{Kind: progress.KindRetry, Retry: &progress.Retry{Reason: "corrupt data, repairing from empty: " + err.Error()}})

	repair, planErr := e.Graph.RepairPlan(targetRevision)
	if planErr != nil {
		return err
	}
	return e.execute(ctx, targetRevision, repair)
}

// execute is one attempt at downloading and applying plan's packages
// strictly in order (spec §4.6); see Execute for the repair-retry
// wrapper around this.
func (e *Executor) execute(ctx context.Context, targetRevision string, plan *Plan) error {
	log := zerolog.Ctx(ctx).With().
		Str("component", "updater.Executor").
		Str("target_revision", targetRevision).
		Logger()
	ctx = log.WithContext(ctx)

	log.Info().Int("packages", len(plan.Packages)).Int64("total_bytes", plan.TotalBytes).Msg("plan ready")
	e.publish(progress.Event{Kind: progress.KindPlanReady, PlanReady: &progress.PlanReady{
		Packages: plan.Packages, TotalBytes: plan.TotalBytes,
	}})

	n := len(plan.Packages)
	if n == 0 {
		log.Info().Msg("plan is empty, committing directly")
		return e.Workspace.CommitRevision(ctx, targetRevision, map[string]digest.Digest{})
	}

	slots := make([]chan downloaded, n)
	for i := range slots {
		slots[i] = make(chan downloaded, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())
	for i, id := range plan.Packages {
		i, id := i, id
		g.Go(func() error {
			d, err := e.downloadPackage(gctx, id)
			if err != nil {
				return err
			}
			slots[i] <- d
			return nil
		})
	}

	st, err := e.Workspace.ReadState()
	if err != nil {
		return err
	}
	files := map[string]digest.Digest{}
	for p, d := range st.Files {
		files[p] = d
	}

	for i := 0; i < n; i++ {
		var d downloaded
		select {
		case d = <-slots[i]:
		case <-gctx.Done():
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return gctx.Err()
		}
		if err := e.applyPackage(gctx, d, files); err != nil {
			g.Wait()
			log.Warn().Err(err).Str("package", d.packageID).Msg("apply failed")
			return err
		}
		log.Info().Str("package", d.packageID).Msg("package applied")
		e.publish(progress.Event{Kind: progress.KindPackageCompleted, PackageCompleted: &progress.PackageCompleted{ID: d.packageID}})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msg("committing revision")
	return e.Workspace.CommitRevision(ctx, targetRevision, files)
}

func (e *Executor) downloadPackage(ctx context.Context, packageID string) (downloaded, error) {
	metaBytes, err := e.fetchMetadata(ctx, packageID)
	if err != nil {
		return downloaded{}, err
	}
	var meta metadata.PackageMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return downloaded{}, corerr.New("updater.Executor.downloadPackage", corerr.KindUnsupportedFormat, packageID, "", err)
	}

	head, err := e.Transport.Head(ctx, e.Source.DataURL(packageID))
	if err != nil {
		return downloaded{}, corerr.New("updater.Executor.downloadPackage", corerr.KindNetwork, packageID, "", err)
	}

	f, err := e.Workspace.OpenInProgress(packageID)
	if err != nil {
		return downloaded{}, err
	}
	defer f.Close()

	cursor, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return downloaded{}, corerr.New("updater.Executor.downloadPackage", corerr.KindIO, packageID, "", err)
	}

	for cursor < head.TotalSize {
		n, err := e.downloadRange(ctx, packageID, f, cursor)
		if err != nil {
			return downloaded{}, err
		}
		cursor += n
		e.publish(progress.Event{Kind: progress.KindDownload, Download: &progress.DownloadProgress{
			BytesStart: cursor - n, BytesEnd: cursor, Total: head.TotalSize,
		}})
	}

	return downloaded{packageID: packageID, meta: meta, dataPath: e.Workspace.InProgressPath(packageID)}, nil
}

func (e *Executor) fetchMetadata(ctx context.Context, packageID string) ([]byte, error) {
	policy := e.retryPolicy()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		b, err := e.Transport.Metadata(ctx, e.Source.MetadataURL(packageID))
		if err == nil {
			return b, nil
		}
		lastErr = err
		zerolog.Ctx(ctx).Warn().Err(err).Str("package", packageID).Int("attempt", attempt).Msg("metadata fetch failed, retrying")
		e.publish(progress.Event{Kind: progress.KindRetry, Retry: &progress.Retry{Reason: err.Error()}})
		if !sleep(ctx, policy, attempt) {
			return nil, corerr.New("updater.Executor.fetchMetadata", corerr.KindCancelled, packageID, "", ctx.Err())
		}
	}
	return nil, corerr.New("updater.Executor.fetchMetadata", corerr.KindNetwork, packageID, "", lastErr)
}

// downloadRange streams the payload from the resume cursor start to EOF
// and returns the number of bytes written, retrying with backoff on
// transport failure; each retry's Range request starts after the bytes
// already written (spec §4.6: "on reconnect, a Range request starts at
// the cursor").
func (e *Executor) downloadRange(ctx context.Context, packageID string, f *os.File, start int64) (int64, error) {
	policy := e.retryPolicy()
	var lastErr error
	var written int64
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		body, err := e.Transport.Range(ctx, e.Source.DataURL(packageID), start+written, nil)
		if err != nil {
			lastErr = err
		} else {
			n, copyErr := io.Copy(f, body)
			body.Close()
			written += n
			if copyErr == nil {
				return written, nil
			}
			lastErr = copyErr
		}
		zerolog.Ctx(ctx).Warn().Err(lastErr).Str("package", packageID).Int("attempt", attempt).Msg("range download failed, retrying")
		e.publish(progress.Event{Kind: progress.KindRetry, Retry: &progress.Retry{Reason: lastErr.Error()}})
		if !sleep(ctx, policy, attempt) {
			return 0, corerr.New("updater.Executor.downloadRange", corerr.KindCancelled, packageID, "", ctx.Err())
		}
	}
	return 0, corerr.New("updater.Executor.downloadRange", corerr.KindNetwork, packageID, "", lastErr)
}

// applyPackage applies d's operations in order, journaling each one's
// status before and after so a crash mid-package is detectable and
// resumable on restart (spec §9 crash safety): an operation whose
// journal entry already shows StatusVerified for this package was
// applied by a prior attempt and is skipped rather than redone.
func (e *Executor) applyPackage(ctx context.Context, d downloaded, files map[string]digest.Digest) error {
	blob, err := os.Open(d.dataPath)
	if err != nil {
		return corerr.New("updater.Executor.applyPackage", corerr.KindIO, d.packageID, "", err)
	}
	defer blob.Close()

	st, err := e.Workspace.ReadState()
	if err != nil {
		return err
	}
	resumeFrom := lastVerifiedCursor(st.Journal, d.packageID) + 1

	total := len(d.meta.Operations)
	for i, op := range d.meta.Operations {
		if i < resumeFrom {
			// Already verified by a prior attempt: skip the IO but still
			// fold its effect into files so the eventual CommitRevision
			// catalog matches what's actually on disk.
			recordFilesEffect(op, files)
			continue
		}
		select {
		case <-ctx.Done():
			return corerr.New("updater.Executor.applyPackage", corerr.KindCancelled, d.packageID, "", ctx.Err())
		default:
		}
		entry := workspace.JournalEntry{PackageID: d.packageID, Path: op.OpPath(), Cursor: int64(i)}
		entry.Status = workspace.StatusApplying
		if err := e.Workspace.AppendJournal(ctx, entry); err != nil {
			return err
		}
		if err := e.applyOperation(blob, op, files); err != nil {
			entry.Status = workspace.StatusFailed
			if jerr := e.Workspace.AppendJournal(ctx, entry); jerr != nil {
				zerolog.Ctx(ctx).Warn().Err(jerr).Str("package", d.packageID).Str("path", entry.Path).Msg("failed to journal failed status")
			}
			return err
		}
		entry.Status = workspace.StatusVerified
		if err := e.Workspace.AppendJournal(ctx, entry); err != nil {
			return err
		}
		e.publish(progress.Event{Kind: progress.KindApply, Apply: &progress.ApplyProgress{OpIndex: i, Total: total}})
	}

	blob.Close()
	return os.Remove(d.dataPath)
}

// lastVerifiedCursor returns the highest operation index already
// recorded StatusVerified for packageID, or -1 if none.
func lastVerifiedCursor(journal []workspace.JournalEntry, packageID string) int {
	last := -1
	for _, e := range journal {
		if e.PackageID == packageID && e.Status == workspace.StatusVerified && int(e.Cursor) > last {
			last = int(e.Cursor)
		}
	}
	return last
}

// recordFilesEffect applies op's effect on the files catalog without
// touching disk, used to replay operations a prior attempt already
// verified.
func recordFilesEffect(op metadata.Operation, files map[string]digest.Digest) {
	switch v := op.(type) {
	case metadata.AddOp:
		files[v.Path] = v.SHA1
	case metadata.PatchOp:
		files[v.Path] = v.AfterSHA1
	case metadata.RemoveOp:
		delete(files, v.Path)
	}
}

func (e *Executor) applyOperation(blob *os.File, op metadata.Operation, files map[string]digest.Digest) error {
	switch v := op.(type) {
	case metadata.AddOp:
		return e.applyAdd(blob, v, files)
	case metadata.PatchOp:
		return e.applyPatch(blob, v, files)
	case metadata.RemoveOp:
		return e.applyRemove(v, files)
	case metadata.MkDirOp:
		return os.MkdirAll(e.Workspace.InstallPath(v.Path), 0o755)
	case metadata.RmDirOp:
		if err := os.Remove(e.Workspace.InstallPath(v.Path)); err != nil && !os.IsNotExist(err) {
			return corerr.New("updater.Executor.applyOperation", corerr.KindIO, v.Path, "", err)
		}
		return nil
	default:
		return corerr.New("updater.Executor.applyOperation", corerr.KindUnsupportedFormat, op.OpPath(), "", fmt.Errorf("unknown op %T", op))
	}
}

// applyAdd decodes the payload to staging, verifies its hash, and moves
// it into place (spec §4.6 Add row). An installed file that already
// matches op.SHA1 is kept as it is instead.
func (e *Executor) applyAdd(blob *os.File, op metadata.AddOp, files map[string]digest.Digest) error {
	if existing, err := os.Open(e.Workspace.InstallPath(op.Path)); err == nil {
		sum, sumErr := digest.Sum(existing)
		existing.Close()
		if sumErr == nil && sum == op.SHA1 {
			if err := os.Chmod(e.Workspace.InstallPath(op.Path), installMode(op.ExecutableBit)); err != nil {
				return corerr.New("updater.Executor.applyAdd", corerr.KindIO, op.Path, "", err)
			}
			files[op.Path] = sum
			return nil
		}
	}
	section := io.NewSectionReader(blob, op.Offset, op.PackedSize)
	c, err := e.Compressors.Get(op.Codec)
	if err != nil {
		return err
	}
	staging, err := e.Workspace.CreateStaging(op.SHA1)
	if err != nil {
		return err
	}
	hasher := digest.Hasher()
	w := io.MultiWriter(staging, hasher)
	if err := c.Decode(w, section, codecParams(op.Params)); err != nil {
		staging.Close()
		return err
	}
	if err := staging.Close(); err != nil {
		return corerr.New("updater.Executor.applyAdd", corerr.KindIO, op.Path, "", err)
	}

	got, err := digest.New(hasher.Sum(nil))
	if err != nil {
		return err
	}
	if got != op.SHA1 {
		os.Remove(e.Workspace.StagingPath(op.SHA1))
		return corerr.New("updater.Executor.applyAdd", corerr.KindCorruptData, op.Path, "", fmt.Errorf("sha1 mismatch: got %s want %s", got, op.SHA1))
	}
	if err := e.Workspace.MoveIntoPlace(e.Workspace.StagingPath(op.SHA1), op.Path); err != nil {
		return err
	}
	if err := os.Chmod(e.Workspace.InstallPath(op.Path), installMode(op.ExecutableBit)); err != nil {
		return corerr.New("updater.Executor.applyAdd", corerr.KindIO, op.Path, "", err)
	}
	files[op.Path] = got
	return nil
}

// installMode is the file mode applied after Add/Patch moves verified
// content into place, carrying the builder's recorded executable bit
// through to the installed file (spec §3: round-trip includes file
// modes' executable bit).
func installMode(executable bool) os.FileMode {
	if executable {
		return 0o755
	}
	return 0o644
}

// applyPatch verifies the existing file's hash, decodes the delta, runs
// it through the declared patcher, verifies the result, and swaps it
// into place (spec §4.6 Patch row).
func (e *Executor) applyPatch(blob *os.File, op metadata.PatchOp, files map[string]digest.Digest) error {
	existing, err := os.Open(e.Workspace.InstallPath(op.Path))
	if err != nil {
		return corerr.New("updater.Executor.applyPatch", corerr.KindIO, op.Path, "", err)
	}
	defer existing.Close()

	beforeSum, err := digest.Sum(existing)
	if err != nil {
		return err
	}
	if beforeSum == op.AfterSHA1 {
		// A prior attempt already moved the patched content into place
		// and crashed before its journal entry was recorded; the
		// installed file already matches the patch's target, so there is
		// nothing left to apply.
		files[op.Path] = beforeSum
		return os.Chmod(e.Workspace.InstallPath(op.Path), installMode(op.ExecutableBit))
	}
	if beforeSum != op.BeforeSHA1 {
		return corerr.New("updater.Executor.applyPatch", corerr.KindCorruptData, op.Path, "", fmt.Errorf("before_sha1 mismatch"))
	}

	section := io.NewSectionReader(blob, op.Offset, op.PackedSize)
	c, err := e.Compressors.Get(op.Codec)
	if err != nil {
		return err
	}
	var delta bytes.Buffer
	if err := c.Decode(&delta, section, codecParams(op.Params)); err != nil {
		return err
	}

	p, err := e.Patchers.Get(op.Patcher)
	if err != nil {
		return err
	}
	staging, err := e.Workspace.CreateStaging(op.AfterSHA1)
	if err != nil {
		return err
	}
	hasher := digest.Hasher()
	w := io.MultiWriter(staging, hasher)
	if err := p.Decode(w, existing, op.BeforeSize, bytes.NewReader(delta.Bytes())); err != nil {
		staging.Close()
		return err
	}
	if err := staging.Close(); err != nil {
		return corerr.New("updater.Executor.applyPatch", corerr.KindIO, op.Path, "", err)
	}

	got, err := digest.New(hasher.Sum(nil))
	if err != nil {
		return err
	}
	if got != op.AfterSHA1 {
		os.Remove(e.Workspace.StagingPath(op.AfterSHA1))
		return corerr.New("updater.Executor.applyPatch", corerr.KindCorruptData, op.Path, "", fmt.Errorf("after_sha1 mismatch"))
	}
	if err := e.Workspace.MoveIntoPlace(e.Workspace.StagingPath(op.AfterSHA1), op.Path); err != nil {
		return err
	}
	if err := os.Chmod(e.Workspace.InstallPath(op.Path), installMode(op.ExecutableBit)); err != nil {
		return corerr.New("updater.Executor.applyPatch", corerr.KindIO, op.Path, "", err)
	}
	files[op.Path] = got
	return nil
}

// applyRemove confirms the prior hash before unlinking, treating a
// mismatch as corruption that requires a repair plan (spec §4.6 Remove
// row).
func (e *Executor) applyRemove(op metadata.RemoveOp, files map[string]digest.Digest) error {
	if !op.PriorSHA1.IsZero() {
		existing, err := os.Open(e.Workspace.InstallPath(op.Path))
		if err != nil {
			return corerr.New("updater.Executor.applyRemove", corerr.KindIO, op.Path, "", err)
		}
		sum, err := digest.Sum(existing)
		existing.Close()
		if err != nil {
			return err
		}
		if sum != op.PriorSHA1 {
			return corerr.New("updater.Executor.applyRemove", corerr.KindCorruptData, op.Path, "", fmt.Errorf("prior_sha1 mismatch"))
		}
	}
	if err := os.Remove(e.Workspace.InstallPath(op.Path)); err != nil {
		return corerr.New("updater.Executor.applyRemove", corerr.KindIO, op.Path, "", err)
	}
	delete(files, op.Path)
	return nil
}

func codecParams(m map[string]any) codec.Params {
	var p codec.Params
	if v, ok := m["level"].(float64); ok {
		p.Level = int(v)
	}
	if v, ok := m["dictionary_size"].(float64); ok {
		p.DictionarySize = int(v)
	}
	return p
}
