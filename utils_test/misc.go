package utils_test

import (
	"context"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
)

// LoggedContext returns ctx carrying a debug-level logrus entry, so client
// request logging shows up in verbose test output.
func LoggedContext(ctx context.Context) context.Context {
	loggr := logrus.New()
	loggr.SetLevel(logrus.DebugLevel)
	return ctxlogrus.ToContext(ctx, logrus.NewEntry(loggr))
}
