package chunker

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/samber/lo"
)

// DefaultChunkSize matches the sender's transport chunk.
const DefaultChunkSize = 256 * 1024

// Chunk is one fragment ready for the transport.
type Chunk struct {
	Index  int
	Offset int64
	// PlainSize is the fragment length before encryption.
	PlainSize int
	Data      []byte
}

// Options controls Process.
type Options struct {
	ChunkSize int
	// Workers defaults to NumCPU / ParallelismRatio.
	Workers          int
	ParallelismRatio int
	// Encryptor and Password, when both set, encrypt every fragment on its own.
	Encryptor encryptor.Encryptor
	Password  string
	// Indices restricts processing to these fragments; nil means all.
	Indices []int
}

// DetermineChunkSize picks a chunk size from the file size.
func DetermineChunkSize(fileSize int64) int {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}

// ChunkCount is ceil(fileSize / chunkSize).
func ChunkCount(fileSize int64, chunkSize int) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	ratio := o.ParallelismRatio
	if ratio <= 0 {
		ratio = 2
	}
	n := runtime.NumCPU() / ratio
	if n < 1 {
		n = 1
	}
	return n
}

// Process splits filePath into fragments, optionally encrypts each one,
// and calls handle from a pool of workers. handle may run concurrently
// and in any index order. The first error stops the pool.
func Process(ctx context.Context, filePath string, opts Options, handle func(ctx context.Context, c Chunk) error) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %v", err)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DetermineChunkSize(fileInfo.Size())
	}
	count := ChunkCount(fileInfo.Size(), chunkSize)

	indices := opts.Indices
	if indices == nil {
		indices = lo.Range(count)
	}
	for _, idx := range indices {
		if idx < 0 || idx >= count {
			return fmt.Errorf("chunk index %d outside 0..%d", idx, count-1)
		}
	}
	encrypt := opts.Encryptor != nil && opts.Password != ""

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	numWorkers := opts.workers()
	taskChan := make(chan int, numWorkers*2)
	var wg sync.WaitGroup
	var errOnce sync.Once
	var processErr error

	fail := func(err error) {
		setErrOnce(&errOnce, &processErr, err)
		cancel()
	}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, chunkSize)
			for index := range taskChan {
				if ctx.Err() != nil {
					continue
				}
				offset := int64(index) * int64(chunkSize)
				n, err := file.ReadAt(buf, offset)
				if err != nil && err != io.EOF {
					fail(fmt.Errorf("failed to read chunk %d: %v", index, err))
					continue
				}

				data := make([]byte, n)
				copy(data, buf[:n])
				if encrypt {
					sealed, err := opts.Encryptor.Encrypt(data, opts.Password)
					if err != nil {
						fail(fmt.Errorf("encryption failed for chunk %d: %w", index, err))
						continue
					}
					data = sealed
				}

				if err := handle(ctx, Chunk{Index: index, Offset: offset, PlainSize: n, Data: data}); err != nil {
					fail(err)
				}
			}
		}()
	}

feed:
	for _, idx := range indices {
		select {
		case taskChan <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskChan)
	wg.Wait()

	if processErr != nil {
		return processErr
	}
	return ctx.Err()
}

func setErrOnce(once *sync.Once, errVar *error, err error) {
	once.Do(func() {
		*errVar = err
	})
}
