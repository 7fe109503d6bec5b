package classify

import (
	"errors"
	"io"
	"os"

	"github.com/h2non/filetype"
)

// Category is the delivery category of a file.
type Category string

const (
	Video    Category = "video"
	Audio    Category = "audio"
	Image    Category = "image"
	Document Category = "document"
	Generic  Category = "generic"
)

// headerSize is how much of a file is inspected. Office formats need more than the
// magic number to be told apart.
const headerSize = 8192

var documentExtensions = map[string]struct{}{
	"pdf":  {},
	"doc":  {},
	"docx": {},
	"odt":  {},
	"rtf":  {},
}

// Classifier assigns categories from file signatures.
type Classifier struct{}

func New() *Classifier {
	return &Classifier{}
}

// Classify reads the head of the file at path. Unreadable files are Generic.
func (c *Classifier) Classify(path string) Category {
	head, err := readHeader(path)
	if err != nil {
		return Generic
	}

	return Bytes(head)
}

// Bytes classifies a file from its leading bytes.
func Bytes(head []byte) Category {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return Generic
	}

	if _, ok := documentExtensions[kind.Extension]; ok {
		return Document
	}

	switch kind.MIME.Type {
	case "video":
		return Video
	case "audio":
		return Audio
	case "image":
		return Image
	default:
		return Generic
	}
}

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, headerSize)

	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return head[:n], nil
}
