package searchpages

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/internal/merge"
)

var (
	// ErrInvalidLimit is returned when a search limit is not positive.
	ErrInvalidLimit = errors.New("limit must be positive")
	// ErrResultsConsumed is yielded when a search sequence is ranged over a
	// second time.
	ErrResultsConsumed = errors.New("search results already consumed")
	// ErrUnbalanced is returned by CheckAccounting when a block is leaked or
	// owned twice.
	ErrUnbalanced = errors.New("block accounting unbalanced")
	// ErrClosed is returned when a closed index is used.
	ErrClosed = errors.New("index closed")
)

// CorruptSegmentError reports a segment whose stored data does not decode.
// Only that segment is affected; searches still return matches from the
// others.
//
// The underlying error can be accessed via errors.Unwrap.
type CorruptSegmentError struct {
	Segment uuid.UUID
	cause   error
}

func (e *CorruptSegmentError) Error() string {
	return fmt.Sprintf("segment %s is corrupt: %v", e.Segment, e.cause)
}

func (e *CorruptSegmentError) Unwrap() error { return e.cause }

// IsCorrupt reports whether err is a consistency-class failure.
func IsCorrupt(err error) bool {
	var ce *CorruptSegmentError
	return errors.As(err, &ce) || merge.IsCorruption(err)
}

// IsContention reports whether err only means a background step was skipped
// and will be retried later.
func IsContention(err error) bool { return merge.IsContention(err) }

// segmentError classifies a failure to read segment id.
func segmentError(id uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	if merge.IsCorruption(err) {
		return &CorruptSegmentError{Segment: id, cause: err}
	}
	return fmt.Errorf("segment %s: %w", id, err)
}
