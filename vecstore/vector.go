package vecstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
)

// encodeVector stores float32s little-endian, the layout horosvec uses.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// rowIterator feeds similarity_records to horosvec's Build. Rows are
// loaded once per pass so the build does not hold a cursor open while it
// writes its own tables on the same database.
type rowIterator struct {
	ctx    context.Context
	db     *sql.DB
	loaded bool
	ids    [][]byte
	vecs   [][]float32
	pos    int
}

func (it *rowIterator) load() {
	it.loaded = true
	rows, err := it.db.QueryContext(it.ctx, `SELECT id, vector FROM similarity_records ORDER BY id`)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if rows.Scan(&id, &blob) != nil {
			continue
		}
		it.ids = append(it.ids, []byte(id))
		it.vecs = append(it.vecs, decodeVector(blob))
	}
}

func (it *rowIterator) Next() ([]byte, []float32, bool) {
	if !it.loaded {
		it.load()
	}
	if it.pos >= len(it.ids) {
		return nil, nil, false
	}
	id, vec := it.ids[it.pos], it.vecs[it.pos]
	it.pos++
	return id, vec, true
}

func (it *rowIterator) Reset() error {
	it.pos = 0
	return nil
}
