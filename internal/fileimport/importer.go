// Package fileimport loads contact spreadsheets (CSV or XLSX) into the
// file-import channel.
package fileimport

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
)

// Format is the layout of an import file.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("fileimport: unsupported file type %q", filepath.Ext(path))
	}
}

// Ingester stores a contact that arrived outside the bulk listing.
type Ingester interface {
	Ingest(ctx context.Context, c model.Contact, channel model.Channel) (*dedup.IngestResult, error)
}

// Report counts what one import did.
type Report struct {
	Rows    int `json:"rows"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Invalid int `json:"invalid"`
	Failed  int `json:"failed"`
}

// Options tunes how a file is read.
type Options struct {
	CSV   CSVOptions
	Sheet string
}

// Importer maps spreadsheet rows through the normalizer into the store.
type Importer struct {
	normalizer *normalize.Normalizer
	ingester   Ingester
	log        *zap.Logger
}

// New creates an importer.
func New(n *normalize.Normalizer, ing Ingester) *Importer {
	return &Importer{
		normalizer: n,
		ingester:   ing,
		log:        zap.L().With(zap.String("component", "fileimport")),
	}
}

// ImportFile reads path in the format its extension names.
func (im *Importer) ImportFile(ctx context.Context, path string, opts Options) (*Report, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	var rows <-chan []string
	var errs <-chan error
	switch format {
	case FormatXLSX:
		rows, errs = StreamXLSX(ctx, path, opts.Sheet)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "fileimport: open file")
		}
		defer f.Close() //nolint:errcheck
		rows, errs = StreamCSV(ctx, f, opts.CSV)
	}

	rep, err := im.Import(ctx, rows, errs)
	if err != nil {
		return rep, err
	}
	im.log.Info("import complete",
		zap.String("file", filepath.Base(path)),
		zap.Int("rows", rep.Rows),
		zap.Int("created", rep.Created),
		zap.Int("updated", rep.Updated),
		zap.Int("invalid", rep.Invalid),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

// Import consumes a row stream whose first non-empty row is the header.
// Header cells name upstream properties and go through the same mapping
// as the bulk listing. A row that fails to store is counted, not fatal.
func (im *Importer) Import(ctx context.Context, rows <-chan []string, errs <-chan error) (*Report, error) {
	rep := &Report{}
	var header []string

	for row := range rows {
		if blank(row) {
			continue
		}
		if header == nil {
			header = headerKeys(row)
			continue
		}
		rep.Rows++

		res := im.normalizer.Normalize(toRaw(header, row))
		for _, issue := range res.Issues {
			im.log.Debug("field dropped", zap.Int("row", rep.Rows), zap.Error(issue))
		}
		if !identifiable(&res.Contact) {
			rep.Invalid++
			continue
		}

		out, err := im.ingester.Ingest(ctx, res.Contact, model.ChannelFileImport)
		if err != nil {
			if ctx.Err() != nil {
				return rep, eris.Wrap(ctx.Err(), "fileimport: import cancelled")
			}
			rep.Failed++
			im.log.Warn("row not stored", zap.Int("row", rep.Rows), zap.Error(err))
			continue
		}
		if out.Created {
			rep.Created++
		} else {
			rep.Updated++
		}
	}

	for err := range errs {
		if err != nil {
			return rep, err
		}
	}
	if header == nil {
		return rep, eris.New("fileimport: file has no header row")
	}
	return rep, nil
}

func headerKeys(row []string) []string {
	keys := make([]string, len(row))
	for i, cell := range row {
		keys[i] = strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff"))
	}
	return keys
}

func toRaw(header, row []string) model.RawRecord {
	props := make(map[string]any, len(header))
	for i, key := range header {
		if key == "" || i >= len(row) || row[i] == "" {
			continue
		}
		props[key] = row[i]
	}
	return model.RawRecord{Properties: props}
}

// identifiable reports whether a row carries a key it can be matched by on
// the next import. A name alone is not one.
func identifiable(c *model.Contact) bool {
	return c.ExternalID != "" || normalize.EmailKey(c.Email) != "" || normalize.PhoneKey(c.Phone) != ""
}

func blank(row []string) bool {
	for _, cell := range row {
		if cell != "" {
			return false
		}
	}
	return true
}
