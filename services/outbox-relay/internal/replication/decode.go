package replication

import (
	"github.com/jackc/pglogrepl"
)

// txDecoder assembles pgoutput messages into per-transaction records.
type txDecoder struct {
	schema    string
	table     string
	relations map[uint32]*pglogrepl.RelationMessage
	inTx      bool
	rows      []map[string][]byte
}

func newTxDecoder(schema, table string) *txDecoder {
	return &txDecoder{
		schema:    schema,
		table:     table,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
	}
}

// apply consumes one logical message and returns the records of a
// transaction once its commit arrives.
func (d *txDecoder) apply(msg pglogrepl.Message) []Record {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
	case *pglogrepl.BeginMessage:
		d.inTx = true
		d.rows = d.rows[:0]
	case *pglogrepl.InsertMessage:
		rel, ok := d.relations[m.RelationID]
		if !ok || !d.matches(rel) || m.Tuple == nil {
			return nil
		}
		d.rows = append(d.rows, tupleColumns(rel, m.Tuple))
	case *pglogrepl.CommitMessage:
		d.inTx = false
		if len(d.rows) == 0 {
			return nil
		}
		out := make([]Record, len(d.rows))
		pos := Position(m.TransactionEndLSN)
		for i, cols := range d.rows {
			out[i] = Record{Position: pos, Table: d.table, Columns: cols}
		}
		out[len(out)-1].TxEnd = true
		d.rows = nil
		return out
	}
	return nil
}

func (d *txDecoder) idle() bool {
	return !d.inTx && len(d.rows) == 0
}

func (d *txDecoder) matches(rel *pglogrepl.RelationMessage) bool {
	return rel.RelationName == d.table && (d.schema == "" || rel.Namespace == d.schema)
}

func tupleColumns(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string][]byte {
	cols := make(map[string][]byte, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			cols[name] = append([]byte(nil), col.Data...)
		default:
			cols[name] = nil
		}
	}
	return cols
}
