package export

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/tallysync/internal/mapping"
	"github.com/ginjaninja78/tallysync/internal/types"
)

func invoices() []Entry {
	return []Entry{
		{
			Record: types.Record{
				Entity:   "sales_invoices",
				Key:      "1",
				Position: 1,
				Fields:   map[string]string{"voucher_no": "1", "party": "Acme"},
				Collections: map[string][]types.LineItem{
					"items": {
						{Index: 1, Fields: map[string]string{"item_code": "Widget", "qty": "2"}},
						{Index: 2, Fields: map[string]string{"item_code": "Gadget", "qty": "1"}},
					},
				},
			},
			Payload: mapping.Payload{"custom_ref_no": "1", "total": json.Number("12.50")},
		},
		{
			Record: types.Record{
				Entity:   "sales_invoices",
				Key:      "2",
				Position: 3,
				Fields:   map[string]string{"voucher_no": "2", "party": "Beta"},
				Collections: map[string][]types.LineItem{
					"items": {{Index: 1, Fields: map[string]string{"item_code": "Bolt", "qty": "10"}}},
				},
				Gaps: []string{"party"},
			},
		},
	}
}

func TestEncodeJSON(t *testing.T) {
	doc := NewDocument("sales_invoices", "sales.xml", invoices())

	var buf bytes.Buffer
	require.NoError(t, EncodeJSON(&buf, doc, DefaultOptions()))

	var got struct {
		Entity  string `json:"entity"`
		Source  string `json:"source"`
		RunID   string `json:"run_id"`
		Count   int    `json:"count"`
		Records []struct {
			Record  types.Record    `json:"record"`
			Payload json.RawMessage `json:"payload"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "sales_invoices", got.Entity)
	assert.Equal(t, "sales.xml", got.Source)
	assert.NotEmpty(t, got.RunID)
	assert.Equal(t, 2, got.Count)
	require.Len(t, got.Records, 2)
	assert.JSONEq(t, `{"custom_ref_no":"1","total":12.50}`, string(got.Records[0].Payload))
	assert.Nil(t, got.Records[1].Payload)
	assert.Equal(t, []string{"party"}, got.Records[1].Record.Gaps)
	assert.Contains(t, buf.String(), "\n  \"entity\"")
}

func TestNewDocumentEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeJSON(&buf, NewDocument("items", "items.xml", nil), Options{}))
	assert.Contains(t, buf.String(), `"records":[]`)
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteJSON(path, NewDocument("sales_invoices", "sales.xml", invoices()), DefaultOptions()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestWriteWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	doc := NewDocument("sales_invoices", "sales.xml", invoices())
	require.NoError(t, WriteWorkbook(path, doc, []string{"voucher_no", "party"}, DefaultOptions()))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := f.GetRows(recordsSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"#", "Key", "voucher_no", "party", "Gaps"},
		{"1", "1", "1", "Acme"},
		{"3", "2", "2", "Beta", "party"},
	}, records)

	items, err := f.GetRows(lineItemsSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Line", "Record", "Collection", "Row", "item_code", "qty"},
		{"1", "1", "items", "1", "Widget", "2"},
		{"2", "1", "items", "2", "Gadget", "1"},
		{"3", "2", "items", "1", "Bolt", "10"},
	}, items)
}

func TestWriteWorkbookPerRecordNumbering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	doc := NewDocument("sales_invoices", "sales.xml", invoices())
	require.NoError(t, WriteWorkbook(path, doc, nil, Options{}))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := f.GetRows(recordsSheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"#", "Key", "party", "voucher_no", "Gaps"}, records[0])

	items, err := f.GetRows(lineItemsSheet)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "1", items[3][0])
}
