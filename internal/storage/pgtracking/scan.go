package pgtracking

// prependScan lets scanRecord read rows that carry extra leading columns.
type prependScan struct {
	row   interface{ Scan(dest ...any) error }
	first any
}

func (p prependScan) Scan(dest ...any) error {
	return p.row.Scan(append([]any{p.first}, dest...)...)
}
