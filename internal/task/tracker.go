package task

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/takeout_downloader/internal/fetch"
	"github.com/italolelis/takeout_downloader/internal/logctx"
	"github.com/italolelis/takeout_downloader/internal/session"
)

// Prober answers how large a remote archive claims to be. Satisfied by
// fetch.Client.
type Prober interface {
	Head(ctx context.Context, url, cookie string) (*fetch.FileInfo, error)
}

// Reconcile compares the output directory against the expected series and
// builds the task list for indices 1..maxFiles. Leftover temp files from a
// crashed run are discarded. A file already on disk counts as completed only
// when its size matches a freshly probed remote size; presence alone is
// never enough, so truncated or unverifiable files get re-downloaded from
// scratch. This makes repeated runs with the same parameters idempotent.
func Reconcile(ctx context.Context, prober Prober, cred *session.Credential, outputDir string, maxFiles, probeParallel int) ([]*Task, error) {
	logger := logctx.LoggerFromContext(ctx)

	tasks := make([]*Task, 0, maxFiles)

	for i := 1; i <= maxFiles; i++ {
		tasks = append(tasks, &Task{
			Index:         i,
			FileName:      cred.Descriptor.FileName(i),
			LocalPath:     filepath.Join(outputDir, cred.Descriptor.FileName(i)),
			State:         StatePending,
			ExpectedBytes: -1,
		})
	}

	if probeParallel < 1 {
		probeParallel = 1
	}

	wg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, probeParallel)

	for _, t := range tasks {
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			reconcileOne(ctx, prober, cred, t)

			return ctx.Err()
		})
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}

	completed := 0

	for _, t := range tasks {
		if t.State == StateCompleted {
			completed++
		}
	}

	logger.Info("reconciled output directory",
		"dir", outputDir,
		"total", len(tasks),
		"already_completed", completed,
	)

	return tasks, nil
}

func reconcileOne(ctx context.Context, prober Prober, cred *session.Credential, t *Task) {
	logger := logctx.LoggerFromContext(ctx)

	// A temp file is always the residue of a crashed or aborted transfer.
	tmp := t.LocalPath + fetch.TempSuffix
	if err := os.Remove(tmp); err == nil {
		logger.Info("discarded stale temp file", "path", tmp)
	} else if !os.IsNotExist(err) {
		logger.Warn("failed to remove stale temp file", "path", tmp, "err", err)
	}

	info, err := os.Stat(t.LocalPath)
	if err != nil || info.Size() == 0 {
		return // nothing usable on disk, stays pending
	}

	t.BytesWritten = info.Size()

	remote, err := prober.Head(ctx, cred.Descriptor.URLFor(t.Index), cred.CookieHeader)
	if err != nil {
		// Unverifiable: the transfer itself will sort it out, and an expired
		// session surfaces through the pause protocol rather than here.
		logger.Warn("could not verify existing file, will re-download", "file", t.FileName, "err", err)

		t.BytesWritten = 0

		return
	}

	if remote.Size > 0 && remote.Size == info.Size() {
		t.ExpectedBytes = remote.Size
		t.State = StateCompleted

		return
	}

	logger.Info("existing file does not match remote size, will re-download",
		"file", t.FileName,
		"on_disk", info.Size(),
		"remote", remote.Size,
	)

	t.BytesWritten = 0
}
