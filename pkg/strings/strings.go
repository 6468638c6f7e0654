// Package strings provides pooled string building utilities for Inlet: sized
// builder pools, a pooled Sprintf, and purpose-built URL, CSV, and SQL
// builders used on the request and sink hot paths.
package strings

import (
	"fmt"
	"strconv"
	"sync"
	"unsafe"
)

// BytesToString converts a byte slice to a string without allocation.
// The returned string shares memory with the slice; do not modify the slice
// afterwards.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}

// Builder is an append-based string builder backed by a reusable byte buffer.
type Builder struct {
	buf []byte
}

// NewBuilder creates a builder with the given initial capacity.
func NewBuilder(capacity int) *Builder {
	return &Builder{
		buf: make([]byte, 0, capacity),
	}
}

// WriteString appends a string.
func (b *Builder) WriteString(s string) {
	b.buf = append(b.buf, s...)
}

// WriteByte appends a single byte.
func (b *Builder) WriteByte(c byte) {
	b.buf = append(b.buf, c)
}

// Write implements io.Writer.
func (b *Builder) Write(p []byte) (n int, err error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns the built string as a view over the internal buffer. Callers
// keeping the result past the builder's release must Clone it.
func (b *Builder) String() string {
	return BytesToString(b.buf)
}

// Len returns the current length.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Reset truncates the builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
}

// Clone creates an owned copy of a string.
func Clone(s string) string {
	if len(s) == 0 {
		return ""
	}
	b := make([]byte, len(s))
	copy(b, s)
	return BytesToString(b)
}

// Contains reports whether substr is within s.
func Contains(s, substr string) bool {
	return Index(s, substr) >= 0
}

// Index returns the index of substr in s, or -1.
func Index(s, substr string) int {
	if len(substr) == 0 {
		return 0
	}
	if len(substr) > len(s) {
		return -1
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// HasPrefix reports whether s begins with prefix.
func HasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// HasSuffix reports whether s ends with suffix.
func HasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// TrimPrefix returns s without the leading prefix, unchanged when absent.
func TrimPrefix(s, prefix string) string {
	if HasPrefix(s, prefix) {
		return s[len(prefix):]
	}
	return s
}

// TrimSuffix returns s without the trailing suffix, unchanged when absent.
func TrimSuffix(s, suffix string) string {
	if HasSuffix(s, suffix) {
		return s[:len(s)-len(suffix)]
	}
	return s
}

// ToLowerASCII lowercases ASCII letters, returning s unchanged and
// allocation-free when nothing needs folding.
func ToLowerASCII(s string) string {
	upper := -1
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			upper = i
			break
		}
	}
	if upper < 0 {
		return s
	}
	b := make([]byte, len(s))
	copy(b, s)
	for i := upper; i < len(b); i++ {
		if c := b[i]; c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return BytesToString(b)
}

// Sized builder pools. Small covers URLs and log fragments, Medium covers
// page requests and CSV rows, Large covers batch payloads.
var (
	smallBuilderPool = &sync.Pool{
		New: func() interface{} {
			return NewBuilder(1024)
		},
	}

	mediumBuilderPool = &sync.Pool{
		New: func() interface{} {
			return NewBuilder(16 * 1024)
		},
	}

	largeBuilderPool = &sync.Pool{
		New: func() interface{} {
			return NewBuilder(64 * 1024)
		},
	}
)

// BuilderSize selects which pool a builder comes from.
type BuilderSize int

const (
	Small  BuilderSize = iota // < 1KB
	Medium                    // 1KB - 16KB
	Large                     // 16KB+
)

func poolFor(size BuilderSize) *sync.Pool {
	switch size {
	case Medium:
		return mediumBuilderPool
	case Large:
		return largeBuilderPool
	default:
		return smallBuilderPool
	}
}

// GetBuilder retrieves a pooled builder of the given size class.
func GetBuilder(size BuilderSize) *Builder {
	builder := poolFor(size).Get().(*Builder)
	builder.Reset()
	return builder
}

// PutBuilder returns a builder to its pool.
func PutBuilder(builder *Builder, size BuilderSize) {
	if builder == nil {
		return
	}
	builder.Reset()
	poolFor(size).Put(builder)
}

// Sprintf is a pooled alternative to fmt.Sprintf.
func Sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}

	estimated := len(format) + len(args)*16
	size := Small
	if estimated > 16*1024 {
		size = Large
	} else if estimated > 1024 {
		size = Medium
	}

	builder := GetBuilder(size)
	defer PutBuilder(builder, size)

	fmt.Fprintf(builder, format, args...)

	return Clone(builder.String())
}

// URLBuilder assembles request URLs with query parameters, escaping as it
// goes. Close returns the underlying buffer to the pool.
type URLBuilder struct {
	builder   *Builder
	size      BuilderSize
	hasParams bool
}

// NewURLBuilder creates a URL builder seeded with baseURL.
func NewURLBuilder(baseURL string) *URLBuilder {
	size := Small
	if len(baseURL) > 1024 {
		size = Medium
	}

	builder := GetBuilder(size)
	builder.WriteString(baseURL)

	return &URLBuilder{
		builder:   builder,
		size:      size,
		hasParams: Contains(baseURL, "?"),
	}
}

// AddPath appends path segments, escaping each.
func (ub *URLBuilder) AddPath(segments ...string) *URLBuilder {
	for _, segment := range segments {
		if segment != "" {
			ub.builder.WriteByte('/')
			ub.builder.WriteString(urlPathEscape(segment))
		}
	}
	return ub
}

// AddParam appends an escaped query parameter.
func (ub *URLBuilder) AddParam(key, value string) *URLBuilder {
	if ub.hasParams {
		ub.builder.WriteByte('&')
	} else {
		ub.builder.WriteByte('?')
		ub.hasParams = true
	}

	ub.builder.WriteString(urlQueryEscape(key))
	ub.builder.WriteByte('=')
	ub.builder.WriteString(urlQueryEscape(value))

	return ub
}

// AddParamInt appends an integer query parameter.
func (ub *URLBuilder) AddParamInt(key string, value int) *URLBuilder {
	return ub.AddParam(key, strconv.Itoa(value))
}

// AddParamBool appends a boolean query parameter.
func (ub *URLBuilder) AddParamBool(key string, value bool) *URLBuilder {
	return ub.AddParam(key, strconv.FormatBool(value))
}

// String returns the built URL as an owned string.
func (ub *URLBuilder) String() string {
	return Clone(ub.builder.String())
}

// Close releases the builder back to the pool.
func (ub *URLBuilder) Close() {
	if ub.builder != nil {
		PutBuilder(ub.builder, ub.size)
		ub.builder = nil
	}
}

// CSVBuilder builds CSV output with field escaping.
type CSVBuilder struct {
	builder  *Builder
	size     BuilderSize
	rowCount int
}

// NewCSVBuilder creates a CSV builder sized for the expected output.
func NewCSVBuilder(estimatedRows, estimatedCols int) *CSVBuilder {
	estimated := estimatedRows * estimatedCols * 20

	size := Small
	if estimated > 16*1024 {
		size = Large
	} else if estimated > 1024 {
		size = Medium
	}

	return &CSVBuilder{
		builder: GetBuilder(size),
		size:    size,
	}
}

// WriteHeader writes the header row.
func (cb *CSVBuilder) WriteHeader(headers []string) {
	if len(headers) == 0 {
		return
	}

	cb.writeField(headers[0])
	for i := 1; i < len(headers); i++ {
		cb.builder.WriteByte(',')
		cb.writeField(headers[i])
	}
	cb.builder.WriteByte('\n')
}

// WriteRow writes one data row.
func (cb *CSVBuilder) WriteRow(fields []string) {
	if len(fields) == 0 {
		return
	}

	cb.writeField(fields[0])
	for i := 1; i < len(fields); i++ {
		cb.builder.WriteByte(',')
		cb.writeField(fields[i])
	}
	cb.builder.WriteByte('\n')
	cb.rowCount++
}

// RowCount returns the number of data rows written.
func (cb *CSVBuilder) RowCount() int {
	return cb.rowCount
}

func (cb *CSVBuilder) writeField(field string) {
	needsQuoting := Contains(field, ",") || Contains(field, "\"") || Contains(field, "\n")

	if needsQuoting {
		cb.builder.WriteByte('"')
		for i := 0; i < len(field); i++ {
			if field[i] == '"' {
				cb.builder.WriteString("\"\"")
			} else {
				cb.builder.WriteByte(field[i])
			}
		}
		cb.builder.WriteByte('"')
	} else {
		cb.builder.WriteString(field)
	}
}

// String returns the built CSV as an owned string.
func (cb *CSVBuilder) String() string {
	return Clone(cb.builder.String())
}

// Close releases the builder back to the pool.
func (cb *CSVBuilder) Close() {
	if cb.builder != nil {
		PutBuilder(cb.builder, cb.size)
		cb.builder = nil
	}
}

// SQLBuilder assembles SQL statements with literal and identifier escaping.
type SQLBuilder struct {
	builder *Builder
	size    BuilderSize
}

// NewSQLBuilder creates a SQL builder sized for the expected statement.
func NewSQLBuilder(estimatedLength int) *SQLBuilder {
	size := Small
	if estimatedLength > 16*1024 {
		size = Large
	} else if estimatedLength > 1024 {
		size = Medium
	}

	return &SQLBuilder{
		builder: GetBuilder(size),
		size:    size,
	}
}

// WriteQuery appends raw SQL text.
func (sb *SQLBuilder) WriteQuery(query string) *SQLBuilder {
	sb.builder.WriteString(query)
	return sb
}

// WriteStringLiteral appends a single-quoted, escaped string literal.
func (sb *SQLBuilder) WriteStringLiteral(value string) *SQLBuilder {
	sb.builder.WriteByte('\'')
	for i := 0; i < len(value); i++ {
		if value[i] == '\'' {
			sb.builder.WriteString("''")
		} else {
			sb.builder.WriteByte(value[i])
		}
	}
	sb.builder.WriteByte('\'')
	return sb
}

// WriteIdentifier appends a quoted identifier.
func (sb *SQLBuilder) WriteIdentifier(name string) *SQLBuilder {
	sb.builder.WriteByte('"')
	sb.builder.WriteString(name)
	sb.builder.WriteByte('"')
	return sb
}

// WriteInt appends an integer value.
func (sb *SQLBuilder) WriteInt(value int64) *SQLBuilder {
	sb.builder.WriteString(strconv.FormatInt(value, 10))
	return sb
}

// String returns the built statement as an owned string.
func (sb *SQLBuilder) String() string {
	return Clone(sb.builder.String())
}

// Close releases the builder back to the pool.
func (sb *SQLBuilder) Close() {
	if sb.builder != nil {
		PutBuilder(sb.builder, sb.size)
		sb.builder = nil
	}
}

// ValueToString converts scalar values to strings without fmt overhead. Used
// on sink hot paths in place of fmt.Sprintf("%v", value).
func ValueToString(value interface{}) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []byte:
		return BytesToString(v)
	default:
		return Sprintf("%v", value)
	}
}

// urlQueryEscape escapes a string for URL query components.
func urlQueryEscape(s string) string {
	needEscape := false
	for i := 0; i < len(s); i++ {
		if !isURLSafe(s[i]) {
			needEscape = true
			break
		}
	}
	if !needEscape {
		return s
	}

	builder := GetBuilder(Small)
	defer PutBuilder(builder, Small)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isURLSafe(c):
			builder.WriteByte(c)
		case c == ' ':
			builder.WriteByte('+')
		default:
			builder.WriteByte('%')
			builder.WriteByte("0123456789ABCDEF"[c>>4])
			builder.WriteByte("0123456789ABCDEF"[c&15])
		}
	}

	return Clone(builder.String())
}

// urlPathEscape escapes a string for URL path segments.
func urlPathEscape(s string) string {
	needEscape := false
	for i := 0; i < len(s); i++ {
		if !isURLPathSafe(s[i]) {
			needEscape = true
			break
		}
	}
	if !needEscape {
		return s
	}

	builder := GetBuilder(Small)
	defer PutBuilder(builder, Small)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURLPathSafe(c) {
			builder.WriteByte(c)
		} else {
			builder.WriteByte('%')
			builder.WriteByte("0123456789ABCDEF"[c>>4])
			builder.WriteByte("0123456789ABCDEF"[c&15])
		}
	}

	return Clone(builder.String())
}

func isURLSafe(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func isURLPathSafe(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~' ||
		c == '/' || c == ':' || c == '@' || c == '!' ||
		c == '$' || c == '&' || c == '\'' || c == '(' ||
		c == ')' || c == '*' || c == '+' || c == ',' ||
		c == ';' || c == '='
}
