package encryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// StreamDecrypter is an io.WriteCloser that decrypts one CBC ciphertext
// written to it in arbitrary pieces and forwards plaintext to out.
//
// The last full ciphertext block is held back until Close because it
// carries the padding, so plaintext is always emitted in whole blocks.
// Chain reports the ciphertext block preceding the next unconsumed
// block. Passing it to a new decrypter continues the same ciphertext
// mid-stream, which is how an interrupted encrypted upload resumes.
type StreamDecrypter struct {
	out     io.Writer
	block   cipher.Block
	mode    cipher.BlockMode
	iv      []byte
	pending []byte
	plain   []byte
	chain   []byte
	emitted int64
	closed  bool
}

// NewStreamDecrypter returns a decrypter writing to out. With a nil chain
// the first IVSize bytes written are taken as the IV; otherwise chain is
// the previous ciphertext block of an interrupted stream.
func NewStreamDecrypter(out io.Writer, key []byte, chain []byte) (*StreamDecrypter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	d := &StreamDecrypter{out: out, block: block}
	if chain != nil {
		if len(chain) != IVSize {
			return nil, fmt.Errorf("chain block must be %d bytes, got %d", IVSize, len(chain))
		}
		d.start(chain)
	}
	return d, nil
}

func (d *StreamDecrypter) start(iv []byte) {
	d.chain = append([]byte(nil), iv...)
	d.mode = cipher.NewCBCDecrypter(d.block, d.chain)
}

// Write consumes ciphertext. Errors come only from out.
func (d *StreamDecrypter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, errors.New("write to closed decrypter")
	}
	n := len(p)

	if d.mode == nil {
		take := IVSize - len(d.iv)
		if take > len(p) {
			take = len(p)
		}
		d.iv = append(d.iv, p[:take]...)
		p = p[take:]
		if len(d.iv) < IVSize {
			return n, nil
		}
		d.start(d.iv)
	}

	d.pending = append(d.pending, p...)
	if len(d.pending) == 0 {
		return n, nil
	}
	// Everything but the final full block (plus any partial tail) is safe.
	release := (len(d.pending) - 1) / aes.BlockSize * aes.BlockSize
	if release == 0 {
		return n, nil
	}

	if cap(d.plain) < release {
		d.plain = make([]byte, release)
	}
	plain := d.plain[:release]
	d.mode.CryptBlocks(plain, d.pending[:release])
	copy(d.chain, d.pending[release-aes.BlockSize:release])
	d.pending = append(d.pending[:0], d.pending[release:]...)

	if err := d.emit(plain); err != nil {
		return n, err
	}
	return n, nil
}

func (d *StreamDecrypter) emit(plain []byte) error {
	written, err := d.out.Write(plain)
	d.emitted += int64(written)
	Zero(plain)
	if err != nil {
		return fmt.Errorf("failed to write plaintext: %w", err)
	}
	return nil
}

// Chain returns a copy of the chaining block for the bytes emitted so far.
func (d *StreamDecrypter) Chain() []byte {
	return append([]byte(nil), d.chain...)
}

// Emitted is the plaintext byte count forwarded to out.
func (d *StreamDecrypter) Emitted() int64 { return d.emitted }

// Close decrypts the held back block, validates padding and flushes the
// remaining plaintext. Malformed input yields ErrWrongPassword.
func (d *StreamDecrypter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if d.mode == nil || len(d.pending) != aes.BlockSize {
		return ErrWrongPassword
	}
	last := make([]byte, aes.BlockSize)
	d.mode.CryptBlocks(last, d.pending)
	plain, err := unpad(last)
	if err != nil {
		Zero(last)
		return err
	}
	if len(plain) == 0 {
		return nil
	}
	return d.emit(plain)
}
