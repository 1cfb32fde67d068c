package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"gopkg.in/yaml.v3"
)

// Format names a supported payload encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"

	opDecode = "ingest.decode"

	// MaxDocumentBytes bounds a single ingestion payload.
	MaxDocumentBytes = 32 << 20
)

var errDocumentTooLarge = errors.New("document exceeds size limit")

// Document is a parsed spreadsheet handed over by the ingestion collaborator.
type Document struct {
	Name       string      `json:"name" yaml:"name"`
	Message    string      `json:"message" yaml:"message"`
	Worksheets []Worksheet `json:"worksheets" yaml:"worksheets"`
}

// Worksheet is one tab of the document.
type Worksheet struct {
	Name  string `json:"name" yaml:"name"`
	Order *int   `json:"order" yaml:"order"`
	Cells []Cell `json:"cells" yaml:"cells"`
}

// Cell is one occupied coordinate. Value may be any scalar; it is stored as text.
type Cell struct {
	Row     int     `json:"row" yaml:"row"`
	Col     int     `json:"col" yaml:"col"`
	Address string  `json:"address" yaml:"address"`
	Value   any     `json:"value" yaml:"value"`
	Formula *string `json:"formula" yaml:"formula"`
	Style   any     `json:"style" yaml:"style"`
}

// DetectFormat picks the payload format from a content type or file name. JSON is the default.
func DetectFormat(contentType, fileName string) Format {
	lowered := strings.ToLower(contentType)
	switch {
	case strings.Contains(lowered, "yaml"), strings.Contains(lowered, "yml"):
		return FormatYAML
	case strings.Contains(lowered, "json"):
		return FormatJSON
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Decode reads one document in the given format.
func Decode(reader io.Reader, format Format) (Document, error) {
	payload, err := io.ReadAll(io.LimitReader(reader, MaxDocumentBytes+1))
	if err != nil {
		return Document{}, versions.NewServiceError(opDecode, "read_failed", versions.ErrValidation, err)
	}
	if len(payload) > MaxDocumentBytes {
		return Document{}, versions.NewServiceError(opDecode, "too_large", versions.ErrValidation, errDocumentTooLarge)
	}

	var document Document
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(payload, &document); err != nil {
			return Document{}, versions.NewServiceError(opDecode, "invalid_yaml", versions.ErrValidation, err)
		}
	case FormatJSON, "":
		decoder := json.NewDecoder(bytes.NewReader(payload))
		decoder.UseNumber()
		if err := decoder.Decode(&document); err != nil {
			return Document{}, versions.NewServiceError(opDecode, "invalid_json", versions.ErrValidation, err)
		}
	default:
		return Document{}, versions.NewServiceError(opDecode, "unsupported_format", versions.ErrValidation,
			fmt.Errorf("format %q", format))
	}
	return document, nil
}

// WorksheetInputs converts the document into version store input. Worksheets
// without an explicit order keep their position in the document.
func (d Document) WorksheetInputs() ([]versions.WorksheetInput, error) {
	inputs := make([]versions.WorksheetInput, 0, len(d.Worksheets))
	for index, sheet := range d.Worksheets {
		order := index
		if sheet.Order != nil {
			order = *sheet.Order
		}
		input := versions.WorksheetInput{Name: sheet.Name, Order: order, Cells: make([]versions.CellInput, 0, len(sheet.Cells))}
		for _, cell := range sheet.Cells {
			value, err := scalarText(cell.Value)
			if err != nil {
				return nil, versions.NewServiceError(opDecode, "invalid_cell_value", versions.ErrValidation,
					fmt.Errorf("worksheet %q cell %s: %w", sheet.Name, cell.Address, err))
			}
			var style json.RawMessage
			if cell.Style != nil {
				encoded, err := json.Marshal(cell.Style)
				if err != nil {
					return nil, versions.NewServiceError(opDecode, "invalid_cell_style", versions.ErrValidation,
						fmt.Errorf("worksheet %q cell %s: %w", sheet.Name, cell.Address, err))
				}
				style = encoded
			}
			input.Cells = append(input.Cells, versions.CellInput{
				Row:     cell.Row,
				Col:     cell.Col,
				Address: cell.Address,
				Value:   value,
				Formula: cell.Formula,
				Style:   style,
			})
		}
		inputs = append(inputs, input)
	}
	return inputs, nil
}

// ImportRequest builds the version store request, defaulting the workbook name.
func (d Document) ImportRequest(ownerID, fallbackName string) (versions.ImportRequest, error) {
	sheets, err := d.WorksheetInputs()
	if err != nil {
		return versions.ImportRequest{}, err
	}
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = fallbackName
	}
	return versions.ImportRequest{Name: name, OwnerID: ownerID, Message: d.Message, Worksheets: sheets}, nil
}

func scalarText(value any) (string, error) {
	switch typed := value.(type) {
	case nil:
		return "", nil
	case string:
		return typed, nil
	case json.Number:
		return typed.String(), nil
	case bool:
		return strconv.FormatBool(typed), nil
	case int:
		return strconv.Itoa(typed), nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case uint64:
		return strconv.FormatUint(typed, 10), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}
