package pipeline

import (
	"errors"
	"strings"
)

// Part is one uploaded multipart file.
type Part struct {
	Filename string
	Data     []byte
}

// Parts is an upload request. Nil means the form field was absent.
type Parts struct {
	Image *Part
	JSON  *Part
}

// Validate requires both parts with non-empty filenames and payloads.
func Validate(p Parts) error {
	var errs []error
	check := func(field string, part *Part) {
		switch {
		case part == nil:
			errs = append(errs, errors.New(field+": missing"))
		case strings.TrimSpace(part.Filename) == "":
			errs = append(errs, errors.New(field+": empty filename"))
		case len(part.Data) == 0:
			errs = append(errs, errors.New(field+": empty file"))
		}
	}
	check("image", p.Image)
	check("json", p.JSON)

	if err := errors.Join(errs...); err != nil {
		return fail("validate", CodeValidation, err)
	}
	return nil
}
