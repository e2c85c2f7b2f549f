package corpus

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRoot is returned when the corpus root is missing or is not a directory
	ErrInvalidRoot = errors.New("invalid corpus root")

	// ErrMissingSection marks a rule document lacking a logsource or detection section
	ErrMissingSection = errors.New("missing rule section")
)

// ParseError indicates a rule file that could not be read or decoded as a
// single YAML mapping. The file is skipped.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DataQualityError indicates a rule document whose logsource or detection
// section is absent or malformed. Only the affected section is dropped.
type DataQualityError struct {
	Path    string
	Section string
	Reason  string
	// Err is the underlying failure, if any
	Err error
}

func (e *DataQualityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s section %s: %v", e.Path, e.Section, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s section %s", e.Path, e.Section, e.Reason)
}

// Unwrap returns the underlying failure, or ErrMissingSection for an absent
// or malformed section.
func (e *DataQualityError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrMissingSection
}

// CountErrors splits load errors into parse failures and data-quality issues.
func CountErrors(errs []error) (parse, quality int) {
	for _, err := range errs {
		var pe *ParseError
		var de *DataQualityError
		switch {
		case errors.As(err, &pe):
			parse++
		case errors.As(err, &de):
			quality++
		}
	}
	return parse, quality
}
