package chunker

import (
	"errors"
	"fmt"
	"strings"

	"docqa/internal/domain"
	"docqa/internal/textutil"
)

// ErrInvalidConfig is returned for size settings that cannot produce valid chunks.
var ErrInvalidConfig = errors.New("chunker: invalid config")

const paragraphJoin = "\n\n"

// Config bounds chunk sizes in estimated tokens.
type Config struct {
	TargetSize  int
	MinSize     int
	MaxSize     int
	OverlapSize int
}

// DefaultConfig returns the sizes used when nothing is configured.
func DefaultConfig() Config {
	return Config{TargetSize: 500, MinSize: 100, MaxSize: 800, OverlapSize: 50}
}

// Validate checks min <= target <= max and 0 <= overlap < min.
func (c Config) Validate() error {
	switch {
	case c.MinSize < 1:
		return fmt.Errorf("%w: min_size %d must be positive", ErrInvalidConfig, c.MinSize)
	case c.MinSize > c.TargetSize || c.TargetSize > c.MaxSize:
		return fmt.Errorf("%w: need min_size <= target_size <= max_size, got %d/%d/%d",
			ErrInvalidConfig, c.MinSize, c.TargetSize, c.MaxSize)
	case c.OverlapSize < 0 || c.OverlapSize >= c.MinSize:
		return fmt.Errorf("%w: overlap_size %d must be in [0, min_size)", ErrInvalidConfig, c.OverlapSize)
	}
	return nil
}

// ParagraphChunker packs whole paragraphs into chunks and carries a
// sentence-granular overlap tail from each closed chunk into the next.
// A paragraph larger than MaxSize is kept whole.
type ParagraphChunker struct {
	cfg Config
}

// New creates a chunker after validating cfg.
func New(cfg Config) (*ParagraphChunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ParagraphChunker{cfg: cfg}, nil
}

// Config returns the sizes this chunker applies.
func (c *ParagraphChunker) Config() Config { return c.cfg }

// Chunk splits a document, using its name as the chunk source.
func (c *ParagraphChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	return c.Split(document.Content, document.Name)
}

// Split returns the ordered chunks of text. Empty text yields no chunks.
func (c *ParagraphChunker) Split(text, sourceID string) ([]domain.Chunk, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	paragraphs := textutil.Paragraphs(text)
	if len(paragraphs) == 0 {
		return nil, nil
	}

	var chunks []domain.Chunk
	var buf chunkBuffer
	for _, p := range paragraphs {
		if len(buf.parts) > 0 &&
			textutil.EstimateTokens(buf.textWith(p.Text)) > c.cfg.MaxSize &&
			buf.tokens() >= c.cfg.MinSize {
			closed := buf.chunk(sourceID, len(chunks))
			chunks = append(chunks, closed)
			buf = chunkBuffer{overlap: c.overlapTail(closed.Text)}
		}
		buf.parts = append(buf.parts, p)
	}
	if len(buf.parts) > 0 {
		chunks = append(chunks, buf.chunk(sourceID, len(chunks)))
	}
	return chunks, nil
}

// overlapTail takes whole sentences from the end of text while they fit in OverlapSize.
func (c *ParagraphChunker) overlapTail(text string) string {
	if c.cfg.OverlapSize == 0 {
		return ""
	}
	sentences := textutil.Sentences(text)
	tail := ""
	for i := len(sentences) - 1; i >= 0; i-- {
		candidate := sentences[i]
		if tail != "" {
			candidate += " " + tail
		}
		if textutil.EstimateTokens(candidate) > c.cfg.OverlapSize {
			break
		}
		tail = candidate
	}
	return tail
}

type chunkBuffer struct {
	overlap string
	parts   []textutil.Span
}

func (b *chunkBuffer) text() string {
	own := make([]string, len(b.parts))
	for i, p := range b.parts {
		own[i] = p.Text
	}
	body := strings.Join(own, paragraphJoin)
	if b.overlap == "" {
		return body
	}
	return b.overlap + paragraphJoin + body
}

func (b *chunkBuffer) textWith(next string) string {
	return b.text() + paragraphJoin + next
}

func (b *chunkBuffer) tokens() int { return textutil.EstimateTokens(b.text()) }

func (b *chunkBuffer) chunk(sourceID string, index int) domain.Chunk {
	text := b.text()
	overlapLen := 0
	if b.overlap != "" {
		overlapLen = len(b.overlap) + len(paragraphJoin)
	}
	return domain.Chunk{
		Text:          text,
		SourceID:      sourceID,
		Index:         index,
		Start:         b.parts[0].Start,
		End:           b.parts[len(b.parts)-1].End,
		TokenEstimate: textutil.EstimateTokens(text),
		OverlapLen:    overlapLen,
	}
}
