package grace

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/quillfs/quillfs/pkg/util/logger"
)

// NewGracefulContext returns a context cancelled by SIGINT, SIGTERM and
// SIGHUP.
func NewGracefulContext(l *logger.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		sig := <-ch
		l.Info("received signal", logger.FieldString("signal", sig.String()))
		cancel()
	}()

	return ctx
}
