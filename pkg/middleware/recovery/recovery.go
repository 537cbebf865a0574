package recovery

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"

	"github.com/trailcamp/campsites/pkg/logger"
	serverErrors "github.com/trailcamp/campsites/pkg/server/errors"
)

// HTTPPanicRecoveryHandler recover from panic for http services. A panic
// before any response bytes becomes a 500; after that the response cannot be
// changed, so the connection is dropped instead. http.ErrAbortHandler is passed
// through untouched.
func HTTPPanicRecoveryHandler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var committed atomic.Bool
		tracked := httpsnoop.Wrap(w, httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(code int) {
					committed.Store(true)
					next(code)
				}
			},
			Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
				return func(b []byte) (int, error) {
					committed.Store(true)
					return next(b)
				}
			},
			ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
				return func(src io.Reader) (int64, error) {
					committed.Store(true)
					return next(src)
				}
			},
		})

		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(p)
			}

			l.ErrorWithContext(r.Context(), "HTTPPanicRecoveryHandler has recovered a panic",
				zap.Error(fmt.Errorf("%v", p)),
				zap.ByteString("stacktrace", debug.Stack()),
			)

			if committed.Load() {
				panic(http.ErrAbortHandler)
			}
			serverErrors.WriteInternalError(w)
		}()

		next.ServeHTTP(tracked, r)
	})
}
