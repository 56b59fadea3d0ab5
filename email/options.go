package email

// Defaults applied when a configuration leaves a formatting option unset.
const (
	DefaultCharset       = "utf-8"
	DefaultUserAgent     = "mailer-lite"
	DefaultContentType   = "text/html"
	DefaultNewline       = "\n"
	DefaultWordWrapWidth = 76
)

// Options holds the formatting settings a driver applies when it renders a
// message. The yaml tags are the configuration keys.
type Options struct {
	// Charset is the body charset; empty means DefaultCharset.
	Charset       string `yaml:"charset"`
	UserAgent     string `yaml:"useragent"`
	ContentType   string `yaml:"content_type"`
	Newline       string `yaml:"newline"`
	WordWrap      bool   `yaml:"wordwrap"`
	WordWrapWidth int    `yaml:"wordwrap_width"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		UserAgent:     DefaultUserAgent,
		ContentType:   DefaultContentType,
		Newline:       DefaultNewline,
		WordWrap:      true,
		WordWrapWidth: DefaultWordWrapWidth,
	}
}

// EffectiveCharset returns Charset or DefaultCharset when it is empty.
func (o Options) EffectiveCharset() string {
	if o.Charset == "" {
		return DefaultCharset
	}
	return o.Charset
}

// normalize replaces zero values that would make rendering impossible.
func (o Options) normalize() Options {
	if o.ContentType == "" {
		o.ContentType = DefaultContentType
	}
	if o.Newline == "" {
		o.Newline = DefaultNewline
	}
	if o.WordWrapWidth <= 0 {
		o.WordWrapWidth = DefaultWordWrapWidth
	}
	return o
}
