package importsvc

// filecheck.go rejects uploads that the Import Service would refuse anyway,
// before any bytes leave the process.
//
// This is a cheap pre-flight, not a parser: CSV is checked for a readable
// header row, XLSX for a workbook with at least one sheet, JSON for syntactic
// validity. Real parsing stays on the server.

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	ErrEmptyFile         = errors.New("empty file")
	ErrFileTooLarge      = errors.New("file too large")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrMalformedFile     = errors.New("malformed file")
)

// DefaultFormats are the extensions accepted when no limits are configured.
var DefaultFormats = []string{"csv", "xlsx", "json"}

// Upload is a file as received from a user.
type Upload struct {
	Name string
	Data []byte
}

// Size returns the payload length in bytes.
func (u Upload) Size() int64 { return int64(len(u.Data)) }

// Format returns the lowercased extension without the dot.
func (u Upload) Format() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(u.Name)), ".")
}

// FileLimits bounds what CheckUpload accepts. Zero values mean no limit
// (MaxBytes) or DefaultFormats (Formats).
type FileLimits struct {
	MaxBytes int64
	Formats  []string
}

// LimitsFromConfig derives local limits from the service's declared config.
// Local limits win when they are tighter.
func LimitsFromConfig(local FileLimits, cfg *ImportConfig) FileLimits {
	if cfg == nil {
		return local
	}
	out := local
	if cfg.MaxFileSizeMB > 0 {
		remote := int64(cfg.MaxFileSizeMB) << 20
		if out.MaxBytes == 0 || remote < out.MaxBytes {
			out.MaxBytes = remote
		}
	}
	if len(cfg.SupportedFormats) > 0 {
		remote := normalizeFormats(cfg.SupportedFormats)
		if len(out.Formats) == 0 {
			out.Formats = remote
		} else {
			out.Formats = slices.DeleteFunc(slices.Clone(normalizeFormats(out.Formats)), func(f string) bool {
				return !slices.Contains(remote, f)
			})
		}
	}
	return out
}

// CheckUpload validates an upload against limits and sniffs its content.
func CheckUpload(u Upload, limits FileLimits) error {
	if len(bytes.TrimSpace(u.Data)) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, displayName(u.Name))
	}
	if limits.MaxBytes > 0 && u.Size() > limits.MaxBytes {
		return fmt.Errorf("%w: %s is %s, limit is %s",
			ErrFileTooLarge, displayName(u.Name), humanBytes(u.Size()), humanBytes(limits.MaxBytes))
	}

	formats := limits.Formats
	if len(formats) == 0 {
		formats = DefaultFormats
	}
	format := u.Format()
	if !slices.Contains(normalizeFormats(formats), format) {
		return fmt.Errorf("%w: %q (accepted: %s)", ErrUnsupportedFormat, displayName(u.Name), strings.Join(formats, ", "))
	}

	var err error
	switch format {
	case "csv":
		err = sniffCSV(u.Data)
	case "xlsx", "xlsm":
		err = sniffXLSX(u.Data)
	case "json":
		if !json.Valid(u.Data) {
			err = errors.New("invalid JSON")
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFile, displayName(u.Name), err)
	}
	return nil
}

func sniffCSV(data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return errors.New("no header row")
	}
	if err != nil {
		return err
	}
	for _, h := range header {
		if strings.TrimSpace(h) != "" {
			return nil
		}
	}
	return errors.New("header row is blank")
}

func sniffXLSX(data []byte) error {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("not a workbook: %w", err)
	}
	defer f.Close()

	if len(f.GetSheetList()) == 0 {
		return errors.New("workbook has no sheets")
	}
	return nil
}

func normalizeFormats(in []string) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return filepath.Base(name)
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
