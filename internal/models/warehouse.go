package models

// Table describes a ClickHouse table in the current database.
type Table struct {
	Database  string `json:"database"`
	Name      string `json:"table_name"`
	Engine    string `json:"engine"`
	Comment   string `json:"comment"`
	TotalRows uint64 `json:"total_rows"`
	Columns   uint64 `json:"total_columns"`
}

// Column is one row of a table schema.
type Column struct {
	Name              string `json:"column_name"`
	Type              string `json:"data_type"`
	DefaultKind       string `json:"default_kind"`
	DefaultExpression string `json:"default_expression"`
	Comment           string `json:"comment"`
}

// ColumnMeta names a result column and its ClickHouse type.
type ColumnMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult is a read-only query result in ClickHouse's JSON layout.
type QueryResult struct {
	Meta      []ColumnMeta     `json:"meta"`
	Data      []map[string]any `json:"data"`
	Rows      int              `json:"rows"`
	Truncated bool             `json:"truncated,omitempty"`
}
