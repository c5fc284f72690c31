package session

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedDescriptor is returned when a seed URL carries no recognizable
// file-sequence field. Nothing can be derived from such a URL, so the whole
// run aborts before any dispatch.
var ErrMalformedDescriptor = errors.New("session: no file-sequence field in url")

// Takeout archive names end in a fixed-width, zero-padded sequence numeral
// right before the extension, e.g. takeout-20251204T101148Z-3-001.zip.
var seqPattern = regexp.MustCompile(`^(.*-)(\d{2,})(\.\w+)$`)

// Descriptor is the parsed shape of one archive-series URL: everything needed
// to derive the URL and file name of any index in the series. Descriptors are
// immutable; derivation is a pure function of (descriptor, index).
type Descriptor struct {
	prefix string // scheme://host/path up to and including the separator before the numeral
	width  int    // zero-padding width observed in the seed URL
	ext    string // extension, including the dot
	query  string // raw query string, carries the auth parameters untouched
	start  int    // sequence index of the seed URL itself
}

// ParseDescriptor extracts the sequence field from a seed URL. The query
// string is preserved byte for byte so the auth parameters survive derivation.
func ParseDescriptor(raw string) (*Descriptor, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse seed url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute url", ErrMalformedDescriptor, raw)
	}

	base := u.Scheme + "://" + u.Host + u.Path

	m := seqPattern.FindStringSubmatch(base)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedDescriptor, u.Path)
	}

	start, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedDescriptor, u.Path)
	}

	return &Descriptor{
		prefix: m[1],
		width:  len(m[2]),
		ext:    m[3],
		query:  u.RawQuery,
		start:  start,
	}, nil
}

// URLFor derives the URL for the given index, replacing only the numeral
// field and keeping the observed zero-padding width.
func (d *Descriptor) URLFor(index int) string {
	u := d.prefix + fmt.Sprintf("%0*d", d.width, index) + d.ext
	if d.query != "" {
		u += "?" + d.query
	}

	return u
}

// FileName returns the remote file name for the given index, which is also
// the name the archive gets on disk.
func (d *Descriptor) FileName(index int) string {
	name := d.prefix[strings.LastIndex(d.prefix, "/")+1:]

	return name + fmt.Sprintf("%0*d", d.width, index) + d.ext
}

// StartIndex is the sequence index the seed URL pointed at.
func (d *Descriptor) StartIndex() int {
	return d.start
}

// Width is the zero-padding width observed in the seed URL.
func (d *Descriptor) Width() int {
	return d.width
}
