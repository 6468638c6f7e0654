package sqldb

import (
	"strconv"

	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/strings"
)

// dialect captures what differs between supported databases: the
// registered driver, identifier quoting, placeholder style and column
// type names.
type dialect struct {
	name          string
	driver        string
	quoteByte     byte
	questionMark  bool
	integerType   string
	numberType    string
	booleanType   string
	timestampType string
	textType      string
}

func dialectFor(name string) (dialect, error) {
	switch name {
	case "pgx", "postgres":
		return dialect{
			name:          "postgres",
			driver:        "pgx",
			quoteByte:     '"',
			integerType:   "BIGINT",
			numberType:    "DOUBLE PRECISION",
			booleanType:   "BOOLEAN",
			timestampType: "TIMESTAMPTZ",
			textType:      "TEXT",
		}, nil
	case "mysql":
		return dialect{
			name:          "mysql",
			driver:        "mysql",
			quoteByte:     '`',
			questionMark:  true,
			integerType:   "BIGINT",
			numberType:    "DOUBLE",
			booleanType:   "BOOLEAN",
			timestampType: "DATETIME(6)",
			textType:      "TEXT",
		}, nil
	case "snowflake":
		return dialect{
			name:          "snowflake",
			driver:        "snowflake",
			quoteByte:     '"',
			questionMark:  true,
			integerType:   "BIGINT",
			numberType:    "DOUBLE",
			booleanType:   "BOOLEAN",
			timestampType: "TIMESTAMP_TZ",
			textType:      "TEXT",
		}, nil
	default:
		return dialect{}, errors.New(errors.ClassConfig, "unknown sql driver").
			WithDetail("driver", name)
	}
}

// placeholder renders the n-th bind parameter, 1-based.
func (d dialect) placeholder(n int) string {
	if d.questionMark {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// quote wraps an identifier in the dialect's quote character, doubling
// embedded quotes.
func (d dialect) quote(ident string) string {
	b := strings.GetBuilder(strings.Small)
	defer strings.PutBuilder(b, strings.Small)

	b.WriteByte(d.quoteByte)
	for i := 0; i < len(ident); i++ {
		if ident[i] == d.quoteByte {
			b.WriteByte(d.quoteByte)
		}
		b.WriteByte(ident[i])
	}
	b.WriteByte(d.quoteByte)
	return strings.Clone(b.String())
}

func (d dialect) columnType(f schema.SchemaField) string {
	switch f.Type {
	case schema.TypeInteger:
		return d.integerType
	case schema.TypeNumber:
		return d.numberType
	case schema.TypeBoolean:
		return d.booleanType
	case schema.TypeString:
		if f.Format == "date-time" {
			return d.timestampType
		}
		return d.textType
	default:
		return d.textType
	}
}
