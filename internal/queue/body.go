package queue

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// ErrNotReplayable marks a mutation body that cannot be captured in a form
// that reconstructs the original request. Such mutations are dropped with a
// warning instead of queued: a request we cannot rebuild can never succeed
// on replay.
var ErrNotReplayable = errors.New("queue: body not capturable in replayable form")

// Kind tags the persisted body variant. The schema is explicit so replay
// never has to infer structure from a header string.
type Kind int

const (
	KindNone Kind = iota
	KindJSON
	KindText
	KindForm
)

// Body is the typed serialized payload of a queued mutation.
type Body struct {
	Kind   Kind
	Raw    []byte  // KindJSON and KindText, verbatim bytes
	Fields []Field // KindForm
}

// Field is one form field: either an inline value or a captured file.
type Field struct {
	Name  string
	Value string // inline fields only

	File         bool
	Filename     string
	ContentType  string
	LastModified int64 // unix milliseconds, as submitted
	Content      []byte
}

// ParseBody decomposes a request body into its stored variant. Multipart
// bodies are split into typed fields so file content, name and timestamp
// survive the round trip exactly.
func ParseBody(contentType string, raw []byte) (Body, error) {
	if len(raw) == 0 {
		return Body{Kind: KindNone}, nil
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Body{}, fmt.Errorf("%w: bad content type %q", ErrNotReplayable, contentType)
	}
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return Body{Kind: KindJSON, Raw: raw}, nil
	case strings.HasPrefix(mt, "text/") || mt == "application/x-www-form-urlencoded":
		return Body{Kind: KindText, Raw: raw}, nil
	case mt == "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return Body{}, fmt.Errorf("%w: multipart without boundary", ErrNotReplayable)
		}
		fields, err := parseMultipart(raw, boundary)
		if err != nil {
			return Body{}, err
		}
		return Body{Kind: KindForm, Fields: fields}, nil
	default:
		return Body{}, fmt.Errorf("%w: unsupported content type %q", ErrNotReplayable, mt)
	}
}

func parseMultipart(raw []byte, boundary string) ([]Field, error) {
	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	var fields []Field
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotReplayable, err)
		}
		content, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotReplayable, err)
		}
		f := Field{Name: p.FormName()}
		if p.FileName() != "" {
			f.File = true
			f.Filename = p.FileName()
			f.ContentType = p.Header.Get("Content-Type")
			f.Content = content
			if lm := p.Header.Get("Last-Modified"); lm != "" {
				if t, err := http.ParseTime(lm); err == nil {
					f.LastModified = t.UnixMilli()
				}
			}
		} else {
			f.Value = string(content)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// encode writes the body back out. For form bodies a fresh boundary is
// generated; field order, names, filenames, content and timestamps are
// preserved. Returns the reader and the Content-Type to send ("" keeps the
// originally captured header).
func (b Body) encode() (io.Reader, string, error) {
	switch b.Kind {
	case KindNone:
		return nil, "", nil
	case KindJSON, KindText:
		return bytes.NewReader(b.Raw), "", nil
	case KindForm:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, f := range b.Fields {
			if !f.File {
				if err := w.WriteField(f.Name, f.Value); err != nil {
					return nil, "", err
				}
				continue
			}
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%s; filename=%s`,
				quoteToken(f.Name), quoteToken(f.Filename)))
			if f.ContentType != "" {
				h.Set("Content-Type", f.ContentType)
			}
			if f.LastModified != 0 {
				h.Set("Last-Modified", time.UnixMilli(f.LastModified).UTC().Format(http.TimeFormat))
			}
			pw, err := w.CreatePart(h)
			if err != nil {
				return nil, "", err
			}
			if _, err := pw.Write(f.Content); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	default:
		return nil, "", fmt.Errorf("unknown body kind %d", b.Kind)
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func quoteToken(s string) string {
	return `"` + quoteEscaper.Replace(s) + `"`
}
