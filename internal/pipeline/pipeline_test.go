package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/erpnext"
	"github.com/ginjaninja78/tallysync/internal/export"
	"github.com/ginjaninja78/tallysync/internal/extractor"
	"github.com/ginjaninja78/tallysync/internal/recovery"
	"github.com/ginjaninja78/tallysync/pkg/utils"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeSource map[string]string

func (s fakeSource) Fetch(_ context.Context, cfg *config.EntityConfig) ([]byte, error) {
	raw, ok := s[cfg.Name]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return []byte(raw), nil
}

type fakeDestination struct {
	mu         sync.Mutex
	existing   map[string]bool
	conflicts  map[string]bool
	failSubmit map[string]bool
	invoices   map[string]string

	created   []map[string]any
	submitted []string
	calls     int
}

func (d *fakeDestination) Exists(_ context.Context, _, _, value string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.existing[value], nil
}

func (d *fakeDestination) Create(_ context.Context, doctype string, doc map[string]any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	for _, v := range doc {
		if s, ok := v.(string); ok && d.conflicts[s] {
			return "", &erpnext.APIError{Doctype: doctype, Operation: "create", StatusCode: 409}
		}
	}
	d.created = append(d.created, doc)
	return "DOC-" + string(rune('0'+len(d.created))), nil
}

func (d *fakeDestination) Submit(_ context.Context, _, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failSubmit[name] {
		return errors.New("mandatory field missing")
	}
	d.submitted = append(d.submitted, name)
	return nil
}

func (d *fakeDestination) Resolver(doctype, by string) extractor.ReferenceResolver {
	return extractor.ResolverFunc(func(_ context.Context, ref string) (string, error) {
		if id, ok := d.invoices[ref]; ok {
			return id, nil
		}
		return "", extractor.ErrReferenceNotFound
	})
}

func builtin(t *testing.T, name string) *config.EntityConfig {
	t.Helper()
	configs, err := config.BuiltinEntityConfigs()
	require.NoError(t, err)
	return configs[name]
}

// =============================================================================
// FIXTURES
// =============================================================================

func ledger(name, gst string) string {
	s := `<LEDGER NAME="` + name + `"><NAME.LIST TYPE=String><NAME>` + name + `</NAME></NAME.LIST>`
	if gst != "" {
		s += `<LEDGSTREGDETAILS.LIST><GSTREGISTRATIONTYPE>` + gst + `</GSTREGISTRATIONTYPE></LEDGSTREGDETAILS.LIST>`
	}
	return s + `</LEDGER>`
}

var ledgers = `<ENVELOPE><BODY><DATA><COLLECTION>` +
	ledger("Acme", "Regular") +
	ledger("Beta", "Unregistered/Consumer") +
	ledger("Existing", "") +
	ledger("Racing", "") +
	`<LEDGER><NAME.LIST><NAME> </NAME></NAME.LIST></LEDGER>` +
	`</COLLECTION></DATA></BODY></ENVELOPE>`

const invoices = `<ENVELOPE><BODY><DATA><TALLYMESSAGE>
<VOUCHER VCHTYPE=Sales>
	<DATE>20240105</DATE>
	<VOUCHERNUMBER>101</VOUCHERNUMBER>
	<PARTYLEDGERNAME>Acme</PARTYLEDGERNAME>
	<ALLINVENTORYENTRIES.LIST>
		<STOCKITEMNAME>Widget</STOCKITEMNAME>
		<RATE>100.00/no</RATE>
		<ACTUALQTY> 2 no</ACTUALQTY>
	</ALLINVENTORYENTRIES.LIST>
</VOUCHER>
<VOUCHER VCHTYPE=Sales>
	<DATE>20240106</DATE>
	<VOUCHERNUMBER>102</VOUCHERNUMBER>
	<PARTYLEDGERNAME>Acme</PARTYLEDGERNAME>
	<ALLINVENTORYENTRIES.LIST>
		<STOCKITEMNAME>Gadget</STOCKITEMNAME>
		<RATE>12.5 Nos</RATE>
		<ACTUALQTY>1 no</ACTUALQTY>
	</ALLINVENTORYENTRIES.LIST>
</VOUCHER>
</TALLYMESSAGE></DATA></BODY></ENVELOPE>`

const receipts = `<ENVELOPE>
<VOUCHER VCHTYPE=Receipt>
	<DATE>20240110</DATE>
	<VOUCHERNUMBER>7</VOUCHERNUMBER>
	<PARTYLEDGERNAME>Acme</PARTYLEDGERNAME>
	<ALLLEDGERENTRIES.LIST><LEDGERNAME>Acme</LEDGERNAME>
		<BILLALLOCATIONS.LIST><NAME>0101</NAME><AMOUNT>200.00</AMOUNT></BILLALLOCATIONS.LIST>
	</ALLLEDGERENTRIES.LIST>
	<ALLLEDGERENTRIES.LIST><LEDGERNAME>Cash</LEDGERNAME>
		<BANKALLOCATIONS.LIST><TRANSACTIONTYPE>Cheque</TRANSACTIONTYPE><AMOUNT>-200.00</AMOUNT></BANKALLOCATIONS.LIST>
	</ALLLEDGERENTRIES.LIST>
</VOUCHER>
</ENVELOPE>`

// =============================================================================
// SYNC
// =============================================================================

func TestRunCustomers(t *testing.T) {
	dest := &fakeDestination{
		existing:  map[string]bool{"Existing": true},
		conflicts: map[string]bool{"Racing": true},
	}
	p := New(fakeSource{"customers": ledgers}, dest, nil, Options{})

	result := p.Run(context.Background(), builtin(t, "customers"))
	require.NoError(t, result.Err)

	assert.Equal(t, Stats{
		Entities:  5,
		Extracted: 4,
		Dropped:   1,
		Mapped:    4,
		Held:      1,
		Skipped:   2,
		Created:   1,
	}, result.Stats)
	assert.Empty(t, result.Failures)

	require.Len(t, dest.created, 1)
	assert.Equal(t, "Acme", dest.created[0]["customer_name"])
	assert.Equal(t, "Registered Regular", dest.created[0]["gst_category"])
	assert.Equal(t, "Customer", dest.created[0]["doctype"])
}

func TestRunForwardsVocabularyGaps(t *testing.T) {
	dest := &fakeDestination{}
	p := New(fakeSource{"customers": ledgers}, dest, nil, Options{ForwardVocabularyGaps: true})

	result := p.Run(context.Background(), builtin(t, "customers"))
	require.NoError(t, result.Err)
	assert.Equal(t, 0, result.Stats.Held)
	assert.Equal(t, 4, result.Stats.Created)
}

func TestRunSubmitsInvoices(t *testing.T) {
	dest := &fakeDestination{failSubmit: map[string]bool{"DOC-2": true}}
	p := New(fakeSource{"sales_invoices": invoices}, dest, nil, Options{})

	result := p.Run(context.Background(), builtin(t, "sales_invoices"))
	require.NoError(t, result.Err)

	assert.Equal(t, 2, result.Stats.Created)
	assert.Equal(t, 1, result.Stats.Submitted)
	assert.Equal(t, 1, result.Stats.Failed)
	assert.Equal(t, 2, result.Stats.LineItems)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "submit", result.Failures[0].Step)
	assert.Equal(t, "102", result.Failures[0].Key)

	items := dest.created[1]["items"].([]map[string]any)
	require.Len(t, items, 1)
	assert.Equal(t, json.Number("12.5"), items[0]["rate"])
	assert.Equal(t, json.Number("1"), items[0]["qty"])
	assert.Equal(t, []string{"DOC-1"}, dest.submitted)
}

func TestRunResolvesPaymentsThroughDestination(t *testing.T) {
	dest := &fakeDestination{invoices: map[string]string{"101": "ACC-SINV-2024-00001"}}
	p := New(fakeSource{"payments": receipts}, dest, nil, Options{})

	result := p.Run(context.Background(), builtin(t, "payments"))
	require.NoError(t, result.Err)
	require.Equal(t, 1, result.Stats.Created)

	refs := dest.created[0]["references"].([]map[string]any)
	require.Len(t, refs, 1)
	assert.Equal(t, "ACC-SINV-2024-00001", refs[0]["reference_name"])
	assert.Equal(t, "Sales Invoice", refs[0]["reference_doctype"])
	assert.Equal(t, json.Number("200"), refs[0]["allocated_amount"])
}

func TestRunDryRun(t *testing.T) {
	dest := &fakeDestination{}
	p := New(fakeSource{"customers": ledgers}, dest, nil, Options{DryRun: true})

	result := p.Run(context.Background(), builtin(t, "customers"))
	require.NoError(t, result.Err)
	assert.Equal(t, 4, result.Stats.Mapped)
	assert.Equal(t, 1, result.Stats.Held)
	assert.Equal(t, 0, dest.calls)
}

func TestRunStopsOnRecoveryError(t *testing.T) {
	p := New(fakeSource{"customers": `<ENVELOPE><LEDGER>`}, &fakeDestination{}, nil, Options{})

	result := p.Run(context.Background(), builtin(t, "customers"))
	var recErr *recovery.Error
	require.ErrorAs(t, result.Err, &recErr)
	assert.Zero(t, result.Stats.Extracted)
}

func TestRunFetchError(t *testing.T) {
	p := New(fakeSource{}, &fakeDestination{}, nil, Options{})

	result := p.Run(context.Background(), builtin(t, "items"))
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "failed to fetch")
}

func TestRunWithoutDestination(t *testing.T) {
	p := New(fakeSource{"customers": ledgers}, nil, nil, Options{})

	result := p.Run(context.Background(), builtin(t, "customers"))
	assert.EqualError(t, result.Err, "no destination configured")
}

// =============================================================================
// OFFLINE
// =============================================================================

func TestMatchEntity(t *testing.T) {
	configs, err := config.BuiltinEntityConfigs()
	require.NoError(t, err)

	cfg, err := MatchEntity("/in/Sundry_Debtors_2024.XML", configs)
	require.NoError(t, err)
	assert.Equal(t, "customers", cfg.Name)

	_, err = MatchEntity("/in/daybook.xml", configs)
	assert.ErrorIs(t, err, ErrNoEntityMatch)
}

func TestProcessFile(t *testing.T) {
	root := t.TempDir()
	fm := utils.NewFileManager(
		filepath.Join(root, "input"),
		filepath.Join(root, "output"),
		filepath.Join(root, "input_archive"),
		filepath.Join(root, "output_archive"),
	)
	require.NoError(t, fm.EnsureDirectories())

	input := filepath.Join(fm.InputDir, "debtors.xml")
	require.NoError(t, os.WriteFile(input, []byte(ledgers), 0o644))

	p := New(nil, nil, nil, Options{})
	result := p.ProcessFile(context.Background(), input, builtin(t, "customers"), FileOptions{
		Files:         fm,
		NameFormat:    "{entity}_{original}_{uuid}.json",
		WriteWorkbook: true,
		Export:        export.DefaultOptions(),
	})
	require.NoError(t, result.Error)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.Stats.Extracted)

	assert.True(t, utils.FileExists(result.OutputFile))
	assert.True(t, utils.FileExists(result.WorkbookFile))
	assert.False(t, utils.FileExists(input))
	assert.Equal(t, filepath.Join(fm.InputArchiveDir, "debtors.xml"), result.ArchivePath)

	data, err := os.ReadFile(result.OutputFile)
	require.NoError(t, err)
	var doc export.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 4, doc.Count)
	assert.Equal(t, "debtors.xml", doc.Source)

	var kinds []string
	for _, e := range result.ErrorLogEntries() {
		kinds = append(kinds, e.ErrorType)
	}
	assert.ElementsMatch(t, []string{"entity_dropped", "vocabulary_gap"}, kinds)
}

func TestProcessFileRecoveryError(t *testing.T) {
	root := t.TempDir()
	fm := utils.NewFileManager(root, root, filepath.Join(root, "a"), filepath.Join(root, "b"))
	input := filepath.Join(root, "debtors.xml")
	require.NoError(t, os.WriteFile(input, []byte("<ENVELOPE>"), 0o644))

	result := New(nil, nil, nil, Options{}).ProcessFile(context.Background(), input, builtin(t, "customers"), FileOptions{Files: fm})
	assert.False(t, result.Success)
	assert.Equal(t, "recovery", result.ErrorType)
	assert.True(t, utils.FileExists(input))

	entries := result.ErrorLogEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "recovery", entries[0].ErrorType)
}
