package encryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// IVSize is the length of the random prefix on every protected unit.
	IVSize     = aes.BlockSize
	bufferSize = 32 * 1024
)

var (
	// ErrWrongPassword covers bad keys, bad IVs and truncated or
	// tampered ciphertext. It is never an I/O failure.
	ErrWrongPassword = errors.New("wrong password or corrupted ciphertext")
	ErrEmptyPassword = errors.New("password must not be empty")
)

// Encryptor defines the interface for per-buffer encryption, used when
// each transport chunk is encrypted on its own.
type Encryptor interface {
	Encrypt(plaintext []byte, password string) ([]byte, error)
	Decrypt(ciphertext []byte, password string) ([]byte, error)
}

// aesCBCEncryptor implements Encryptor with AES-256-CBC and PKCS#7
// padding. Output is IV || ciphertext.
type aesCBCEncryptor struct {
	kdf KeyDeriver
}

// NewEncryptor returns a buffer encryptor deriving keys with kdf. A nil
// kdf selects the cyclic deriver.
func NewEncryptor(kdf KeyDeriver) Encryptor {
	if kdf == nil {
		kdf = CyclicDeriver{}
	}
	return &aesCBCEncryptor{kdf: kdf}
}

// Encrypt derives a key from password and seals plaintext under a fresh IV.
func (e *aesCBCEncryptor) Encrypt(plaintext []byte, password string) ([]byte, error) {
	key, err := e.kdf.DeriveKey(password)
	if err != nil {
		return nil, err
	}
	defer Zero(key)
	return SealBuffer(plaintext, key)
}

// Decrypt reverses Encrypt. Only the given buffer is consulted.
func (e *aesCBCEncryptor) Decrypt(ciphertext []byte, password string) ([]byte, error) {
	key, err := e.kdf.DeriveKey(password)
	if err != nil {
		return nil, err
	}
	defer Zero(key)
	return OpenBuffer(ciphertext, key)
}

// EncryptBuffer encrypts with the cyclic key derivation.
func EncryptBuffer(plaintext []byte, password string) ([]byte, error) {
	return NewEncryptor(nil).Encrypt(plaintext, password)
}

// DecryptBuffer decrypts a buffer produced by EncryptBuffer.
func DecryptBuffer(ciphertext []byte, password string) ([]byte, error) {
	return NewEncryptor(nil).Decrypt(ciphertext, password)
}

// SealBuffer encrypts plaintext under key, prefixing a random IV.
func SealBuffer(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	out := make([]byte, IVSize, IVSize+len(plaintext)+aes.BlockSize)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	body := pad(plaintext)
	cipher.NewCBCEncrypter(block, out[:IVSize]).CryptBlocks(body, body)
	return append(out, body...), nil
}

// OpenBuffer decrypts IV || ciphertext under key.
func OpenBuffer(data, key []byte) ([]byte, error) {
	if len(data) < IVSize+aes.BlockSize || (len(data)-IVSize)%aes.BlockSize != 0 {
		return nil, ErrWrongPassword
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	body := make([]byte, len(data)-IVSize)
	cipher.NewCBCDecrypter(block, data[:IVSize]).CryptBlocks(body, data[IVSize:])
	plain, err := unpad(body)
	if err != nil {
		Zero(body)
		return nil, err
	}
	return plain, nil
}

// EncryptStream writes a random IV followed by the CBC encryption of in.
// The padded final block is flushed when in is exhausted.
func EncryptStream(in io.Reader, out io.Writer, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create AES cipher: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("failed to generate IV: %w", err)
	}
	if _, err := out.Write(iv); err != nil {
		return fmt.Errorf("failed to write IV: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, iv)

	buf := make([]byte, bufferSize)
	pending := make([]byte, 0, bufferSize+aes.BlockSize)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if full := len(pending) - len(pending)%aes.BlockSize; full > 0 {
				mode.CryptBlocks(pending[:full], pending[:full])
				if _, err := out.Write(pending[:full]); err != nil {
					return fmt.Errorf("failed to write ciphertext: %w", err)
				}
				pending = append(pending[:0], pending[full:]...)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read plaintext: %w", rerr)
		}
	}

	final := pad(pending)
	mode.CryptBlocks(final, final)
	if _, err := out.Write(final); err != nil {
		return fmt.Errorf("failed to write final block: %w", err)
	}
	return nil
}

// DecryptStream reads the IV from the head of in and writes the
// plaintext to out.
func DecryptStream(in io.Reader, out io.Writer, key []byte) error {
	dec, err := NewStreamDecrypter(out, key, nil)
	if err != nil {
		return err
	}
	buf := make([]byte, bufferSize)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := dec.Write(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read ciphertext: %w", rerr)
		}
	}
	return dec.Close()
}

// EncryptFile stream-encrypts srcPath into dstPath.
func EncryptFile(srcPath, dstPath string, key []byte) error {
	return transformFile(srcPath, dstPath, key, EncryptStream)
}

// DecryptFile stream-decrypts srcPath into dstPath. A failed decryption
// removes the partial output.
func DecryptFile(srcPath, dstPath string, key []byte) error {
	return transformFile(srcPath, dstPath, key, DecryptStream)
}

func transformFile(srcPath, dstPath string, key []byte, fn func(io.Reader, io.Writer, []byte) error) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	if err := fn(in, out, key); err != nil {
		out.Close()
		os.Remove(dstPath)
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination file: %w", err)
	}
	return nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	copy(out[len(b):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, ErrWrongPassword
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, ErrWrongPassword
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrWrongPassword
		}
	}
	return b[:len(b)-n], nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
