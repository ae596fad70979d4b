package plugins

import "errors"

var (
	errPrefix      = errors.New("setting prefix must be a string")
	errNoFile      = errors.New("no file provided")
	errNotZip      = errors.New("not a zip file")
	errNoDirectory = errors.New("zip has no central directory")
)
