package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
)

var (
	errBadMultipart    = errors.New("request must be multipart/form-data")
	errTruncatedBody   = errors.New("multipart body ended unexpectedly")
	errMissingFile     = errors.New("no file uploaded")
	errEmptyFile       = errors.New("uploaded file is empty")
	errTooManyFiles    = errors.New("too many files")
	errFileTooLarge    = errors.New("file too large")
	errRequestTooLarge = errors.New("request body too large")
)

// incomingFile is one file part, type-checked and ready to stream.
type incomingFile struct {
	OrigName    string
	ContentType string
	Ext         string
	Body        io.Reader

	cap *capReader
}

// bodyLimit records whether http.MaxBytesReader tripped, since storage
// backends may not return the reader's error unchanged.
type bodyLimit struct {
	io.ReadCloser
	tooLarge bool
}

func (b *bodyLimit) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		b.tooLarge = true
	}
	return n, err
}

// partReader remembers the first read error other than io.EOF.
type partReader struct {
	r   io.Reader
	err error
}

func (p *partReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF && p.err == nil {
		p.err = err
	}
	return n, err
}

// capReader fails once more than max bytes have been read.
type capReader struct {
	r        io.Reader
	max      int64
	n        int64
	exceeded bool
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.exceeded {
		return 0, errFileTooLarge
	}
	if rest := c.max - c.n + 1; int64(len(p)) > rest {
		p = p[:rest]
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		c.exceeded = true
		return n, errFileTooLarge
	}
	return n, err
}

// eachFile streams the multipart body and calls fn for every file part
// named rule.Field, allowing at most maxFiles of them. Parts with other names
// are skipped. fn must consume f.Body before returning.
func (s *Server) eachFile(w http.ResponseWriter, r *http.Request, rule fileRule, maxFiles int, fn func(f *incomingFile) error) (int, error) {
	body := &bodyLimit{ReadCloser: http.MaxBytesReader(w, r.Body, s.upload.MaxRequestBytes)}
	r.Body = body

	mr, err := r.MultipartReader()
	if err != nil {
		return 0, errBadMultipart
	}

	n := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if body.tooLarge {
				return n, errRequestTooLarge
			}
			return n, errBadMultipart
		}
		if part.FormName() != rule.Field || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		if n == maxFiles {
			_ = part.Close()
			return n, errTooManyFiles
		}

		src := &partReader{r: part}
		f, err := openPart(part.FileName(), src, rule)
		if err == nil {
			err = fn(f)
		}
		_ = part.Close()
		if err != nil {
			switch {
			case body.tooLarge:
				return n, errRequestTooLarge
			case f != nil && f.cap.exceeded:
				return n, errFileTooLarge
			case src.err != nil:
				if ctxErr := r.Context().Err(); ctxErr != nil {
					return n, ctxErr
				}
				return n, errTruncatedBody
			}
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, errMissingFile
	}
	return n, nil
}

// openPart sniffs the start of src and checks it against rule.
func openPart(filename string, src io.Reader, rule fileRule) (*incomingFile, error) {
	head := make([]byte, sniffLen)
	k, err := io.ReadFull(src, head)
	switch {
	case err == io.EOF:
		return nil, errEmptyFile
	case err != nil && err != io.ErrUnexpectedEOF:
		return nil, err
	}
	head = head[:k]
	if int64(k) > rule.MaxBytes {
		return nil, errFileTooLarge
	}

	name := SanitizeFilename(filename)
	contentType, ext, err := detectType(rule, name, head)
	if err != nil {
		return nil, err
	}

	c := &capReader{r: io.MultiReader(bytes.NewReader(head), src), max: rule.MaxBytes}
	return &incomingFile{
		OrigName:    name,
		ContentType: contentType,
		Ext:         ext,
		Body:        c,
		cap:         c,
	}, nil
}

// writeUploadError maps upload failures to statuses. Anything it does not
// recognise came from storage.
func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, rule fileRule, maxFiles int, err error) {
	var ute *unsupportedTypeError
	switch {
	case errors.Is(err, errBadMultipart), errors.Is(err, errTruncatedBody), errors.Is(err, errEmptyFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errMissingFile):
		writeError(w, http.StatusBadRequest, "no file uploaded in field \""+rule.Field+"\"")
	case errors.Is(err, errTooManyFiles):
		writeError(w, http.StatusBadRequest, "at most "+strconv.Itoa(maxFiles)+" file(s) allowed in field \""+rule.Field+"\"")
	case errors.Is(err, errFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the "+humanize.IBytes(uint64(rule.MaxBytes))+" limit")
	case errors.Is(err, errRequestTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.As(err, &ute):
		writeError(w, http.StatusUnsupportedMediaType, ute.Error())
	default:
		s.writeStoreError(w, r, "put", err)
	}
}
