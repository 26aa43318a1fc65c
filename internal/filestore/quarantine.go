package filestore

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	quarantineSuffix = ".corrupt-"

	errMessageQuarantine  = "failed to set aside corrupt document"
	logMessageQuarantined = "corrupt document set aside, starting empty"
)

// ErrCorrupt marks a document that exists but does not decode.
var ErrCorrupt = errors.New(errMessageDecodeDocument)

// Loader reads documents and sets corrupt ones aside so state can start over.
type Loader struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Load behaves like ReadJSON except for a corrupt document: it is renamed to
// <path>.corrupt-<unix seconds>, target is reset and the document reported absent.
func (loader Loader) Load(path string, target any) (bool, error) {
	found, err := ReadJSON(path, target)
	if !errors.Is(err, ErrCorrupt) {
		return found, err
	}
	quarantinePath, renameErr := loader.Quarantine(path)
	if renameErr != nil {
		return false, renameErr
	}
	loader.logger().Warn(logMessageQuarantined,
		zap.String("path", path),
		zap.String("quarantine_path", quarantinePath),
		zap.Error(err),
	)
	if value := reflect.ValueOf(target); value.Kind() == reflect.Pointer && !value.IsNil() {
		value.Elem().SetZero()
	}
	return false, nil
}

// Quarantine renames path out of the way and returns the new name.
func (loader Loader) Quarantine(path string) (string, error) {
	quarantinePath := path + quarantineSuffix + strconv.FormatInt(loader.now().Unix(), 10)
	if err := os.Rename(path, quarantinePath); err != nil {
		return "", fmt.Errorf("%s: %w", errMessageQuarantine, err)
	}
	return quarantinePath, nil
}

func (loader Loader) logger() *zap.Logger {
	if loader.Logger == nil {
		return zap.NewNop()
	}
	return loader.Logger
}

func (loader Loader) now() time.Time {
	if loader.Now == nil {
		return time.Now()
	}
	return loader.Now()
}
