package decrypt

import "log/slog"

type options struct {
	logger       *slog.Logger
	onProgress   func(processed int64)
	preventClose bool
	parallel     int
	chunkSize    int
}

// DefaultChunkSize is how much DecryptStream reads at a time.
const DefaultChunkSize = 64 << 10

// Option configures segment, stream and file decryption.
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{parallel: 1, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProgress is called with the total number of bytes emitted so far after
// every unit written by a stream.
func WithProgress(fn func(processed int64)) Option {
	return func(o *options) { o.onProgress = fn }
}

// WithPreventClose leaves the output open when the input ends.
func WithPreventClose() Option {
	return func(o *options) { o.preventClose = true }
}

// WithParallel lets up to n samples of a segment be decrypted at once.
func WithParallel(n int) Option {
	return func(o *options) { o.parallel = n }
}

// WithChunkSize sets the read size of DecryptStream and DecryptFile.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}
