package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	xunicode "golang.org/x/text/encoding/unicode"

	"github.com/ginjaninja78/tallysync/internal/config"
)

const malformedVoucherExport = `<?xml version="1.0" encoding="UTF-8"?>
<ENVELOPE>
 <BODY><DATA><TALLYMESSAGE>
  <VOUCHER VCHTYPE=Sales ACTION=Create>
   <DATE>20240105</DATE>
   <NARRATION>Paid 3.14 kg & more</NARRATION>
   <ALLINVENTORYENTRIES.LIST>
    <STOCKITEMNAME>Widget</STOCKITEMNAME>
    <RATE>123.45/no</RATE>
    <ACTUALQTY> 2 no</ACTUALQTY>
   </ALLINVENTORYENTRIES.LIST>
  </VOUCHER>
 </TALLYMESSAGE></DATA></BODY>
</ENVELOPE>`

func voucherNormalizer(log *zap.Logger) *Normalizer {
	return NewNormalizer(DefaultRules(config.RecoverySettings{
		UnitSuffixTags: []string{"RATE", "ACTUALQTY"},
	}), log)
}

func TestNormalizeRepairsVoucherExport(t *testing.T) {
	doc, err := voucherNormalizer(nil).Normalize([]byte(malformedVoucherExport))
	require.NoError(t, err)
	require.NotNil(t, doc.Root())
	assert.Equal(t, "ENVELOPE", doc.Root().Tag)

	voucher := doc.Tree.FindElement(".//VOUCHER")
	require.NotNil(t, voucher)
	assert.Equal(t, "Sales", voucher.SelectAttrValue("VCHTYPE", ""))
	assert.Equal(t, "Create", voucher.SelectAttrValue("ACTION", ""))

	assert.Equal(t, "123.45", doc.Tree.FindElement(".//RATE").Text())
	assert.Equal(t, " 2", doc.Tree.FindElement(".//ACTUALQTY").Text())
	assert.Equal(t, "Paid 3.14 kg  more", doc.Tree.FindElement(".//NARRATION").Text())
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := voucherNormalizer(nil)

	t.Run("well-formed input is unchanged", func(t *testing.T) {
		in := `<ENVELOPE><LEDGER NAME="Acme"><NAME>Acme</NAME><RATE>3.14</RATE></LEDGER></ENVELOPE>`
		first, err := n.Normalize([]byte(in))
		require.NoError(t, err)
		assert.Equal(t, in, first.Text)

		second, err := n.Normalize([]byte(first.Text))
		require.NoError(t, err)
		assert.Equal(t, first.Text, second.Text)
	})

	t.Run("references and apostrophes survive", func(t *testing.T) {
		in := `<ENVELOPE><LEDGER NAME="A &amp; B Traders"><NAME>A &amp; B Traders</NAME><NOTE>Joe's &lt;shop&gt; &#8377;</NOTE></LEDGER></ENVELOPE>`
		doc, err := n.Normalize([]byte(in))
		require.NoError(t, err)
		assert.Equal(t, in, doc.Text)
		assert.Equal(t, "A & B Traders", doc.Tree.FindElement(".//NAME").Text())
		assert.Equal(t, "A & B Traders", doc.Tree.FindElement(".//LEDGER").SelectAttrValue("NAME", ""))
		assert.Equal(t, "Joe's <shop> ₹", doc.Tree.FindElement(".//NOTE").Text())
	})

	t.Run("repaired input is a fixed point", func(t *testing.T) {
		first, err := n.Normalize([]byte(malformedVoucherExport))
		require.NoError(t, err)

		second, err := n.Normalize([]byte(first.Text))
		require.NoError(t, err)
		assert.Equal(t, first.Text, second.Text)
	})
}

func TestNormalizeRecoveryError(t *testing.T) {
	n := voucherNormalizer(nil)

	tests := []struct {
		name string
		in   string
		line int
	}{
		{"mismatched end tag", "<A>\n<B>\n</A>", 3},
		{"unclosed element", "<A><B></B>", 1},
		{"empty document", "", 0},
		{"only a declaration", `<?xml version="1.0"?>`, 0},
		{"two roots", "<A/><B/>", 0},
		{"unquoted empty attribute", `<A X=>text</A>`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := n.Normalize([]byte(tt.in))
			assert.Nil(t, doc)
			require.Error(t, err)

			var recErr *Error
			require.ErrorAs(t, err, &recErr)
			assert.NotEmpty(t, recErr.Msg)
			if tt.line > 0 {
				assert.Equal(t, tt.line, recErr.Line)
			}
		})
	}
}

func TestNormalizeDecodesUTF16(t *testing.T) {
	enc := xunicode.UTF16(xunicode.LittleEndian, xunicode.UseBOM).NewEncoder()
	raw, err := enc.Bytes([]byte(`<ENVELOPE><NAME>Ünïcode Traders</NAME></ENVELOPE>`))
	require.NoError(t, err)

	doc, err := voucherNormalizer(nil).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "Ünïcode Traders", doc.Tree.FindElement(".//NAME").Text())
}

func TestNormalizeLogsChangingRules(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	n := voucherNormalizer(zap.New(core))

	_, err := n.Normalize([]byte(malformedVoucherExport))
	require.NoError(t, err)

	var rules []string
	for _, entry := range logs.FilterMessage("Repair rule changed document").All() {
		rules = append(rules, entry.ContextMap()["rule"].(string))
	}
	assert.Equal(t, []string{"markup_declarations", "attribute_quoting", "illegal_characters", "unit_suffixes"}, rules)
}

func TestNormalizerRules(t *testing.T) {
	n := NewNormalizer(DefaultRules(config.RecoverySettings{LeadingZeroTags: []string{"NAME"}}), nil)
	assert.Equal(t, []string{"markup_declarations", "attribute_quoting", "illegal_characters", "leading_zeros"}, n.Rules())
}
