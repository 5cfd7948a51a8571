package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chromedp/chromedp"
)

// browser is a lazily started headless Chrome session shared by the
// sandbox backends. The first Navigate allocates it; Release tears it
// down.
type browser struct {
	mu     sync.Mutex
	logger *slog.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	taskCtx     context.Context
	taskCancel  context.CancelFunc
}

func newBrowser(logger *slog.Logger) *browser {
	return &browser{logger: logger}
}

// session returns the chromedp task context, starting Chrome on first
// use.
func (b *browser) session() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.taskCtx != nil {
		if b.taskCtx.Err() != nil {
			return nil, errors.New("sandbox: browser session ended")
		}
		return b.taskCtx, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.NoSandbox,
	)
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.taskCtx, b.taskCancel = chromedp.NewContext(b.allocCtx)

	b.logger.Debug("browser session started")
	return b.taskCtx, nil
}

func (b *browser) Navigate(ctx context.Context, url string) error {
	session, err := b.session()
	if err != nil {
		return err
	}
	return b.run(ctx, session, chromedp.Navigate(url))
}

func (b *browser) Click(ctx context.Context, selector string) (string, error) {
	session, err := b.session()
	if err != nil {
		return "", err
	}
	var text string
	err = b.run(ctx, session,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	return text, err
}

func (b *browser) PageText(ctx context.Context) (string, error) {
	session, err := b.session()
	if err != nil {
		return "", err
	}
	var text string
	err = b.run(ctx, session, chromedp.Text("body", &text, chromedp.ByQuery))
	return text, err
}

// run executes actions on the browser session, honoring the caller's
// deadline without killing the session on timeout.
func (b *browser) run(ctx context.Context, session context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(session, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *browser) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.taskCancel != nil {
		b.taskCancel()
		b.allocCancel()
		b.taskCtx = nil
		b.allocCtx = nil
		b.logger.Debug("browser session closed")
	}
	return nil
}
