package store

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Numeric stores a decimal exactly: TEXT on sqlite (whose NUMERIC affinity
// would coerce to REAL), numeric(precision, scale) elsewhere.
type Numeric struct {
	decimal.Decimal
}

func (Numeric) GormDataType() string { return "numeric" }

func (Numeric) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return numericColumn(db, field)
}

// NullNumeric is the optional variant; NULL means unknown, never zero.
type NullNumeric struct {
	decimal.NullDecimal
}

func (NullNumeric) GormDataType() string { return "numeric" }

func (NullNumeric) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return numericColumn(db, field)
}

func numericColumn(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == DriverSQLite {
		return "TEXT"
	}
	precision, scale := 36, 16
	if field != nil {
		if field.Precision > 0 {
			precision = field.Precision
		}
		if field.Scale > 0 {
			scale = field.Scale
		}
	}
	return fmt.Sprintf("numeric(%d,%d)", precision, scale)
}

func num(d decimal.Decimal) Numeric { return Numeric{Decimal: d} }

func nullNum(d *decimal.Decimal) NullNumeric {
	if d == nil {
		return NullNumeric{}
	}
	return NullNumeric{NullDecimal: decimal.NullDecimal{Decimal: *d, Valid: true}}
}

func (n NullNumeric) ptr() *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
