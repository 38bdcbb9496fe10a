package mapping

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/types"
)

func destination(t *testing.T, name string) config.DestinationMapping {
	t.Helper()
	configs, err := config.BuiltinEntityConfigs()
	require.NoError(t, err)
	return configs[name].Destination
}

func TestBuildCustomer(t *testing.T) {
	rec := types.Record{
		Entity: "customers",
		Key:    "Acme Pvt Ltd",
		Fields: map[string]string{
			"name":    "Acme Pvt Ltd",
			"state":   "Maharashtra",
			"gst":     "Unregistered",
			"pincode": "",
			"pan":     "",
			"gstin":   "",
			"address": "Not Available",
		},
	}

	m := destination(t, "customers")
	p, err := Build(rec, m)
	require.NoError(t, err)

	assert.Equal(t, Payload{
		"doctype":         "Customer",
		"customer_name":   "Acme Pvt Ltd",
		"custom_state":    "Maharashtra",
		"custom_zip":      "",
		"gst_category":    "Unregistered",
		"gstin":           "",
		"pan":             "",
		"primary_address": "Not Available",
	}, p)
	assert.Equal(t, "Acme Pvt Ltd", p.NaturalKey(m))
}

func TestBuildSalesOrderRows(t *testing.T) {
	rec := types.Record{
		Entity: "sales_orders",
		Key:    "SO-1",
		Fields: map[string]string{
			"voucher_no":    "SO-1",
			"party":         "Acme",
			"date":          "2024-01-05",
			"delivery_date": "2024-02-05",
		},
		Collections: map[string][]types.LineItem{
			"items": {
				{Index: 1, Fields: map[string]string{"item_code": "Widget", "rate": "100.00", "qty": "2"}},
				{Index: 2, Fields: map[string]string{"item_code": "Gadget", "rate": "0.10", "qty": "1.5"}},
			},
		},
	}

	p, err := Build(rec, destination(t, "sales_orders"))
	require.NoError(t, err)

	assert.Equal(t, "SO-1", p["custom_ref_no"])
	assert.Equal(t, "Acme", p["customer"])
	assert.Equal(t, "Sales", p["order_type"])

	rows, ok := p["items"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, json.Number("100"), rows[0]["rate"])
	assert.Equal(t, json.Number("2"), rows[0]["qty"])
	assert.Equal(t, "All Warehouses", rows[0]["warehouse"])
	assert.Equal(t, json.Number("0.1"), rows[1]["rate"])
	assert.Equal(t, json.Number("1.5"), rows[1]["qty"])

	body, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"qty":1.5`)
}

func TestBuildPurchaseOrderRepeatsHeaderFieldOnRows(t *testing.T) {
	rec := types.Record{
		Fields: map[string]string{"voucher_no": "PO-9", "party": "Steel Co", "date": "2024-01-05", "schedule_date": "2024-01-20"},
		Collections: map[string][]types.LineItem{
			"items": {{Index: 1, Fields: map[string]string{"item_code": "Rod", "rate": "55", "qty": "10"}}},
		},
	}

	p, err := Build(rec, destination(t, "purchase_orders"))
	require.NoError(t, err)

	rows := p["items"].([]map[string]any)
	assert.Equal(t, "2024-01-20", rows[0]["schedule_date"])
	assert.Equal(t, "2024-01-20", p["schedule_date"])
}

func TestBuildPaymentFansOutAmount(t *testing.T) {
	rec := types.Record{
		Fields: map[string]string{
			"voucher_no":      "7",
			"ref_no":          "RC7",
			"party":           "Acme",
			"date":            "2024-01-10",
			"mode_of_payment": "Cheque",
			"paid":            "520.00",
		},
		Collections: map[string][]types.LineItem{
			"references": {{Index: 1, Fields: map[string]string{
				"bill_no":          "12",
				"allocated_amount": "500.00",
				"reference_name":   "ACC-SINV-2024-00001",
			}}},
		},
	}

	m := destination(t, "payments")
	p, err := Build(rec, m)
	require.NoError(t, err)

	for _, key := range []string{"paid_amount", "received_amount", "base_paid_amount", "total_allocated_amount"} {
		assert.Equal(t, json.Number("520"), p[key], key)
	}
	assert.Equal(t, "Acme", p["party"])
	assert.Equal(t, "Acme", p["party_name"])
	assert.Equal(t, "Receive", p["payment_type"])
	assert.Equal(t, "RC7", p.NaturalKey(m))

	refs := p["references"].([]map[string]any)
	require.Len(t, refs, 1)
	assert.Equal(t, map[string]any{
		"reference_doctype": "Sales Invoice",
		"reference_name":    "ACC-SINV-2024-00001",
		"allocated_amount":  json.Number("500"),
	}, refs[0])
}

func TestBuildCopiesAllFieldsWithoutMapping(t *testing.T) {
	rec := types.Record{Fields: map[string]string{"name": "Bolt", "rate": "12.50"}}
	p, err := Build(rec, config.DestinationMapping{NumericFields: []string{"rate"}})
	require.NoError(t, err)
	assert.Equal(t, Payload{"name": "Bolt", "rate": json.Number("12.5")}, p)
}

func TestBuildNumericErrors(t *testing.T) {
	m := config.DestinationMapping{
		Fields:        []config.FieldMap{{From: "rate", To: "valuation_rate"}},
		NumericFields: []string{"valuation_rate"},
	}

	t.Run("empty numeric is omitted", func(t *testing.T) {
		p, err := Build(types.Record{Fields: map[string]string{"rate": ""}}, m)
		require.NoError(t, err)
		assert.NotContains(t, p, "valuation_rate")
	})

	t.Run("text is rejected", func(t *testing.T) {
		_, err := Build(types.Record{Fields: map[string]string{"rate": "lots"}}, m)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "valuation_rate")
	})
}

func TestNumber(t *testing.T) {
	n, err := Number(".5")
	require.NoError(t, err)
	assert.Equal(t, json.Number("0.5"), n)

	n, err = Number("-12.340")
	require.NoError(t, err)
	assert.Equal(t, json.Number("-12.34"), n)

	_, err = Number("1e")
	assert.Error(t, err)
}
