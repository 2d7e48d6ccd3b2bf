package dataset

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// workbook is the subset of an .xlsx package needed to read cell text.
type workbook struct {
	zr     *zip.Reader
	sheets []wbSheet
	rels   map[string]string
	shared []string
}

type wbSheet struct {
	Name    string
	SheetID int
	RID     string
}

func openWorkbook(data []byte) (*workbook, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	wb := &workbook{zr: zr}
	wb.sheets = parseWorkbook(readZipFile(zr, "xl/workbook.xml"))
	if len(wb.sheets) == 0 {
		return nil, errors.New("open xlsx: workbook lists no sheets")
	}
	wb.rels = parseRelationships(readZipFile(zr, "xl/_rels/workbook.xml.rels"))
	wb.shared = parseSharedStrings(readZipFile(zr, "xl/sharedStrings.xml"))
	return wb, nil
}

// SheetNames lists sheets in workbook order.
func (wb *workbook) SheetNames() []string {
	out := make([]string, len(wb.sheets))
	for i, s := range wb.sheets {
		out[i] = s.Name
	}
	return out
}

// sheetPath resolves a sheet by name (case-insensitive) or 1-based position.
func (wb *workbook) sheetPath(name string, index int) (string, error) {
	if name != "" {
		for _, s := range wb.sheets {
			if strings.EqualFold(s.Name, name) {
				if rel, ok := wb.rels[s.RID]; ok {
					return normalizeRelPath(rel), nil
				}
			}
		}
		return "", fmt.Errorf("sheet %q not found; available sheets: %s", name, strings.Join(wb.SheetNames(), ", "))
	}
	if index <= 0 {
		index = 1
	}
	if index > len(wb.sheets) {
		return "", fmt.Errorf("sheet index %d out of range (workbook has %d sheets)", index, len(wb.sheets))
	}
	if rel, ok := wb.rels[wb.sheets[index-1].RID]; ok {
		return normalizeRelPath(rel), nil
	}
	return path.Join("xl", "worksheets", fmt.Sprintf("sheet%d.xml", index)), nil
}

// rows returns every row of the sheet, padded to the widest row.
func (wb *workbook) rows(sheetPath string) ([][]string, error) {
	data := readZipFile(wb.zr, sheetPath)
	if data == nil {
		return nil, fmt.Errorf("xlsx: missing worksheet %s", sheetPath)
	}
	rr := &sheetRowReader{dec: xml.NewDecoder(bytes.NewReader(data)), shared: wb.shared}
	var out [][]string
	width := 0
	for {
		row, ok := rr.Next()
		if !ok {
			break
		}
		if len(row) > width {
			width = len(row)
		}
		out = append(out, row)
	}
	for i, row := range out {
		if len(row) < width {
			padded := make([]string, width)
			copy(padded, row)
			out[i] = padded
		}
	}
	return out, nil
}

func parseWorkbook(data []byte) []wbSheet {
	if len(data) == 0 {
		return nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	var sheets []wbSheet
	for {
		tok, err := dec.Token()
		if err != nil {
			return sheets
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "sheet" {
			continue
		}
		var s wbSheet
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "name":
				s.Name = a.Value
			case "sheetId":
				s.SheetID = atoiSafe(a.Value)
			case "id":
				s.RID = a.Value
			}
		}
		sheets = append(sheets, s)
	}
}

// parseRelationships maps relationship ids to their targets.
func parseRelationships(data []byte) map[string]string {
	out := map[string]string{}
	if len(data) == 0 {
		return out
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "Relationship" {
			continue
		}
		var id, target string
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "Id":
				id = a.Value
			case "Target":
				target = a.Value
			}
		}
		if id != "" && target != "" {
			out[id] = target
		}
	}
}

func readZipFile(zr *zip.Reader, name string) []byte {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil
		}
		defer rc.Close()
		b, _ := io.ReadAll(rc)
		return b
	}
	return nil
}

func parseSharedStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []string
	var buf strings.Builder
	inT := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "si":
				buf.Reset()
			case "t":
				inT = true
			}
		case xml.EndElement:
			switch se.Name.Local {
			case "t":
				inT = false
			case "si":
				out = append(out, buf.String())
			}
		case xml.CharData:
			if inT {
				buf.Write(se)
			}
		}
	}
}

type sheetRowReader struct {
	dec    *xml.Decoder
	shared []string
	cur    []string
}

// Next returns the next <row>. Cells without an r attribute continue from the
// previous cell.
func (r *sheetRowReader) Next() ([]string, bool) {
	next := 0
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, false
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "row":
				r.cur = nil
				next = 0
			case "c":
				var ref, typ string
				for _, a := range se.Attr {
					switch a.Name.Local {
					case "r":
						ref = a.Value
					case "t":
						typ = a.Value
					}
				}
				col := next
				if ref != "" {
					col = colIndexFromRef(ref)
				}
				next = col + 1
				val := r.readCellValue(typ)
				if len(r.cur) <= col {
					grown := make([]string, col+1)
					copy(grown, r.cur)
					r.cur = grown
				}
				r.cur[col] = val
			}
		case xml.EndElement:
			if se.Name.Local == "row" {
				return r.cur, true
			}
		}
	}
}

func (r *sheetRowReader) readCellValue(typ string) string {
	var val strings.Builder
	depth := 0
	for {
		tok, err := r.dec.Token()
		if err != nil {
			break
		}
		switch se := tok.(type) {
		case xml.StartElement:
			if se.Name.Local == "v" || se.Name.Local == "t" {
				depth++
			}
		case xml.EndElement:
			if se.Name.Local == "v" || se.Name.Local == "t" {
				depth--
			}
			if se.Name.Local == "c" {
				return cellText(val.String(), typ, r.shared)
			}
		case xml.CharData:
			if depth > 0 {
				val.Write(se)
			}
		}
	}
	return cellText(val.String(), typ, r.shared)
}

func cellText(v, typ string, shared []string) string {
	switch typ {
	case "s":
		idx := atoiSafe(v)
		if idx >= 0 && idx < len(shared) {
			return shared[idx]
		}
		return ""
	case "b":
		if v == "1" {
			return "True"
		}
		return "False"
	case "e":
		return ""
	}
	return v
}

// colIndexFromRef maps a cell reference like "C12" to its 0-based column.
func colIndexFromRef(ref string) int {
	idx := 0
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'A' && c <= 'Z':
			idx = idx*26 + int(c-'A'+1)
		case c >= 'a' && c <= 'z':
			idx = idx*26 + int(c-'a'+1)
		default:
			return idx - 1
		}
	}
	return idx - 1
}

func atoiSafe(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// normalizeRelPath turns a relationship Target into a zip entry name.
// Targets may be absolute ("/xl/worksheets/sheet1.xml") or relative to xl/.
func normalizeRelPath(rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if strings.HasPrefix(rel, "xl/") {
		return rel
	}
	return path.Join("xl", rel)
}
