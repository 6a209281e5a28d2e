package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Block is one delimited section of the ledger. Exactly one of Task and Err
// is set.
type Block struct {
	Task *Task
	Err  *ParseError

	start    int // index of the header line
	end      int // exclusive
	metaLine int // index of the metadata row, -1 when absent
	hdr      header
}

// Document is a parsed ledger that remembers its source lines so that
// transitions can be written back without reformatting untouched text.
type Document struct {
	Blocks []Block

	lines           []string
	eol             string
	trailingNewline bool
}

// ParseDocument splits data into blocks and parses each one. It never fails:
// malformed blocks are returned with Err set.
func ParseDocument(data []byte) *Document {
	text := string(data)
	doc := &Document{eol: "\n"}
	if strings.Contains(text, "\r\n") {
		doc.eol = "\r\n"
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	if strings.HasSuffix(text, "\n") {
		doc.trailingNewline = true
		text = strings.TrimSuffix(text, "\n")
	}
	if text != "" {
		doc.lines = strings.Split(text, "\n")
	}

	var starts []int
	for i, line := range doc.lines {
		if isHeaderLine(line) {
			starts = append(starts, i)
		}
	}

	seen := make(map[string]int)
	for n, start := range starts {
		end := len(doc.lines)
		if n+1 < len(starts) {
			end = starts[n+1]
		}
		blk := doc.parseBlock(start, end)
		if blk.Task != nil {
			if first, dup := seen[blk.Task.ID]; dup {
				blk.Err = &ParseError{
					Line:   start + 1,
					Column: 1,
					ID:     blk.Task.ID,
					Msg:    fmt.Sprintf("duplicate task id (first defined on line %d)", first),
				}
				blk.Task = nil
			} else {
				seen[blk.Task.ID] = start + 1
			}
		}
		doc.Blocks = append(doc.Blocks, blk)
	}
	return doc
}

func (d *Document) parseBlock(start, end int) Block {
	blk := Block{start: start, end: end, metaLine: -1}

	hdr, serr := parseHeader(d.lines[start])
	if serr != nil {
		blk.Err = &ParseError{Line: start + 1, Column: serr.col, ID: hdr.id, Msg: serr.msg}
		return blk
	}
	blk.hdr = hdr

	meta := defaultMetadata()
	bodyStart := start + 1
	for i := start + 1; i < end; i++ {
		if strings.TrimSpace(d.lines[i]) == "" {
			continue
		}
		if isMetadataLine(d.lines[i]) {
			m, merr := parseMetadata(d.lines[i])
			if merr != nil {
				blk.Err = &ParseError{Line: i + 1, Column: merr.col, ID: hdr.id, Msg: merr.msg}
				return blk
			}
			meta = m
			blk.metaLine = i
			bodyStart = i + 1
		}
		break
	}

	var body []string
	for i := bodyStart; i < end; i++ {
		if i == blk.metaLine {
			continue
		}
		body = append(body, d.lines[i])
	}

	blk.Task = &Task{
		ID:          hdr.id,
		Title:       hdr.title,
		Status:      hdr.status,
		Priority:    meta.priority,
		Target:      meta.target,
		Labels:      meta.labels,
		Attempts:    meta.attempts,
		Description: trimBlankLines(body),
		Version:     blockVersion(d.lines[start:end]),
		Line:        start + 1,
	}
	return blk
}

// Tasks returns the well-formed tasks in document order.
func (d *Document) Tasks() []Task {
	var tasks []Task
	for _, b := range d.Blocks {
		if b.Task != nil {
			tasks = append(tasks, b.Task.clone())
		}
	}
	return tasks
}

// Errors returns the parse errors of malformed blocks in document order.
func (d *Document) Errors() []*ParseError {
	var errs []*ParseError
	for _, b := range d.Blocks {
		if b.Err != nil {
			errs = append(errs, b.Err)
		}
	}
	return errs
}

// Select returns the tasks matching f in document order.
func (d *Document) Select(f Filter) []Task {
	var out []Task
	for _, b := range d.Blocks {
		if b.Task != nil && f.Match(b.Task) {
			out = append(out, b.Task.clone())
		}
	}
	return out
}

func (d *Document) find(id string) *Block {
	for i := range d.Blocks {
		if d.Blocks[i].Task != nil && d.Blocks[i].Task.ID == id {
			return &d.Blocks[i]
		}
	}
	return nil
}

// apply writes the mutable fields of updated into the block's lines. Only
// the status token and, when metadata changed, the metadata row are touched.
func (d *Document) apply(b *Block, updated *Task) {
	orig := b.Task
	if updated.Status != orig.Status {
		line := d.lines[b.start]
		d.lines[b.start] = line[:b.hdr.statusStart] + string(updated.Status) + line[b.hdr.statusEnd:]
	}

	if !metadataChanged(orig, updated) {
		return
	}
	row := renderMetadata(updated)
	if b.metaLine >= 0 {
		d.lines[b.metaLine] = row
		return
	}
	at := b.start + 1
	d.lines = append(d.lines[:at], append([]string{row}, d.lines[at:]...)...)
}

func metadataChanged(a, b *Task) bool {
	if a.Priority != b.Priority || a.Target != b.Target || a.Attempts != b.Attempts {
		return true
	}
	if len(a.Labels) != len(b.Labels) {
		return true
	}
	for i := range a.Labels {
		if a.Labels[i] != b.Labels[i] {
			return true
		}
	}
	return false
}

// Bytes serialises the document, preserving line endings.
func (d *Document) Bytes() []byte {
	out := strings.Join(d.lines, d.eol)
	if d.trailingNewline {
		out += d.eol
	}
	return []byte(out)
}

// Parse reads the ledger at path and returns the tasks matching f in
// document order. It always re-reads the file. Only an unreadable file is an
// error; malformed blocks are skipped.
func Parse(path string, f Filter) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	return ParseDocument(data).Select(f), nil
}

func blockVersion(lines []string) string {
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:6])
}

func trimBlankLines(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}
