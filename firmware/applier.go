package firmware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot/dm"
)

// The two slots of a SlotApplier
const (
	SlotA = "a"
	SlotB = "b"
)

const activeMarker = "active"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("firmware: zstd encoder initialization failed: " + err.Error())
	}
}

// Compress compresses a firmware image with zstd. SlotApplier detects compressed
// images and decompresses them before writing.
func Compress(image []byte) []byte {
	return zstdEncoder.EncodeAll(image, nil)
}

// IsCompressed returns true if image starts with the zstd frame magic
func IsCompressed(image []byte) bool {
	return bytes.HasPrefix(image, zstdMagic)
}

// SlotApplier applies images by writing them into the inactive of two slot files
// in a directory and then pointing the active marker to it. A crash leaves the
// previously active slot untouched.
type SlotApplier struct {
	dir     string
	maxSize int64
	mutex   sync.Mutex
}

// NewSlotApplier returns an applier working in dir. The directory is created if needed.
// Images larger than DefaultMaxPackageSize, before or after decompression, are rejected.
func NewSlotApplier(dir string) (*SlotApplier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create slot directory %s", dir)
	}
	return &SlotApplier{dir: dir, maxSize: DefaultMaxPackageSize}, nil
}

// WithMaxImageSize sets the size limit of applied images
func (a *SlotApplier) WithMaxImageSize(maxSize int64) *SlotApplier {
	a.maxSize = maxSize
	return a
}

// SlotPath returns the file of slot
func (a *SlotApplier) SlotPath(slot string) string {
	return filepath.Join(a.dir, "slot-"+slot+".img")
}

// Active returns the active slot, or an empty string if no image was applied yet
func (a *SlotApplier) Active() (string, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, activeMarker))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "cannot read active marker")
	}
	return strings.TrimSpace(string(data)), nil
}

// Apply implements dm.Applier. Empty or corrupt images fail with code 400, oversize
// images with code 413.
func (a *SlotApplier) Apply(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return &dm.TransportError{Code: http.StatusBadRequest, Message: "empty firmware image"}
	}
	if IsCompressed(image) {
		decompressed, err := a.decompress(image)
		if err != nil {
			return err
		}
		image = decompressed
	}
	if int64(len(image)) > a.maxSize {
		return a.tooLarge()
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	active, err := a.Active()
	if err != nil {
		return err
	}
	target := SlotA
	if active == SlotA {
		target = SlotB
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "apply aborted")
	}
	if err := a.writeAtomic(a.SlotPath(target), image); err != nil {
		return errors.Wrapf(err, "cannot write slot %s", target)
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "apply aborted before activation")
	}
	if err := a.writeAtomic(filepath.Join(a.dir, activeMarker), []byte(target+"\n")); err != nil {
		return errors.Wrap(err, "cannot activate slot")
	}
	logger.FromContext(ctx).Infof("applied %d bytes to slot %s", len(image), target)
	return nil
}

// decompress inflates a zstd image, reading at most one byte beyond the size limit
func (a *SlotApplier) decompress(image []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(image),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(a.maxSize)+1))
	if err != nil {
		return nil, &dm.TransportError{Code: http.StatusBadRequest, Message: "corrupt compressed image: " + err.Error()}
	}
	defer decoder.Close()
	decompressed, err := io.ReadAll(io.LimitReader(decoder, a.maxSize+1))
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return nil, a.tooLarge()
	}
	if err != nil {
		return nil, &dm.TransportError{Code: http.StatusBadRequest, Message: "corrupt compressed image: " + err.Error()}
	}
	if len(decompressed) == 0 {
		return nil, &dm.TransportError{Code: http.StatusBadRequest, Message: "empty firmware image"}
	}
	if int64(len(decompressed)) > a.maxSize {
		return nil, a.tooLarge()
	}
	return decompressed, nil
}

func (a *SlotApplier) tooLarge() error {
	return &dm.TransportError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: fmt.Sprintf("firmware image exceeds %d bytes", a.maxSize),
	}
}

// writeAtomic writes data to a temporary file and renames it to path
func (a *SlotApplier) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(a.dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
