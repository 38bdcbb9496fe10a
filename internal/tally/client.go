// =============================================================================
// tallysync - Tally Source Client
// =============================================================================
//
// Tally exposes its data over a single HTTP endpoint that accepts an XML
// request envelope and answers with an XML-ish export. Two request shapes are
// used:
//
//   collection        A TDL collection of masters (ledgers, stock items),
//                     optionally filtered by parent group.
//   voucher_register  The "Voucher Register" report for one voucher type.
//
// The response body is returned untouched. Repairing it is the recovery
// package's job.
//
// =============================================================================

package tally

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/beevik/etree"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ginjaninja78/tallysync/internal/config"
)

// Request describes one export request.
type Request struct {
	// Entity names the entity config the request was built for.
	Entity string

	// Company selects the Tally company. Empty means the loaded company.
	Company string

	Settings config.RequestSettings
}

// NewRequest builds the export request for an entity.
func NewRequest(cfg *config.EntityConfig, company string) Request {
	return Request{Entity: cfg.Name, Company: company, Settings: cfg.Request}
}

// Envelope renders the request as Tally's XML envelope.
func (r Request) Envelope() (string, error) {
	doc := etree.NewDocument()
	doc.WriteSettings.CanonicalText = true

	switch r.Settings.Kind {
	case config.RequestCollection:
		r.collectionEnvelope(doc.CreateElement("ENVELOPE"))
	case config.RequestVoucherRegister:
		r.voucherRegisterEnvelope(doc.CreateElement("ENVELOPE"))
	default:
		return "", fmt.Errorf("%s: unknown request kind %q", r.Entity, r.Settings.Kind)
	}

	doc.Indent(2)
	return doc.WriteToString()
}

func (r Request) collectionEnvelope(env *etree.Element) {
	id := collectionID(r.Entity)

	header := env.CreateElement("HEADER")
	header.CreateElement("VERSION").SetText("1")
	header.CreateElement("TALLYREQUEST").SetText("Export")
	header.CreateElement("TYPE").SetText("Collection")
	header.CreateElement("ID").SetText(id)

	desc := env.CreateElement("BODY").CreateElement("DESC")
	vars := desc.CreateElement("STATICVARIABLES")
	vars.CreateElement("SVEXPORTFORMAT").SetText("$$SysName:XML")
	if r.Company != "" {
		vars.CreateElement("SVCURRENTCOMPANY").SetText(r.Company)
	}

	msg := desc.CreateElement("TDL").CreateElement("TDLMESSAGE")
	coll := msg.CreateElement("COLLECTION")
	coll.CreateAttr("NAME", id)
	for _, flag := range []string{"ISMODIFY", "ISFIXED", "ISINITIALIZE", "ISOPTION", "ISINTERNAL"} {
		coll.CreateAttr(flag, "No")
	}
	coll.CreateElement("TYPE").SetText(r.Settings.CollectionType)
	coll.CreateElement("NATIVEMETHOD").SetText("*")

	if r.Settings.Parent == "" {
		return
	}
	filter := id + "Filter"
	coll.CreateElement("FILTER").SetText(filter)
	formula := msg.CreateElement("SYSTEM")
	formula.CreateAttr("TYPE", "Formulae")
	formula.CreateAttr("NAME", filter)
	formula.SetText(fmt.Sprintf("$Parent = %q", r.Settings.Parent))
}

func (r Request) voucherRegisterEnvelope(env *etree.Element) {
	env.CreateElement("HEADER").CreateElement("TALLYREQUEST").SetText("Export Data")

	desc := env.CreateElement("BODY").CreateElement("EXPORTDATA").CreateElement("REQUESTDESC")
	vars := desc.CreateElement("STATICVARIABLES")
	if r.Company != "" {
		vars.CreateElement("SVCURRENTCOMPANY").SetText(r.Company)
	}
	vars.CreateElement("SVEXPORTFORMAT").SetText("$$SysName:XML")
	vars.CreateElement("SHOWCREATEDBY").SetText("No")
	vars.CreateElement("SHOWPARTYNAME").SetText("Yes")
	vars.CreateElement("VOUCHERTYPENAME").SetText(r.Settings.VoucherType)
	desc.CreateElement("REPORTNAME").SetText("Voucher Register")
}

// collectionID turns an entity name into a TDL identifier, e.g.
// "sales_orders" -> "SalesOrders".
func collectionID(entity string) string {
	var b strings.Builder
	upper := true
	for _, r := range entity {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FetchError reports a non-success answer from Tally.
type FetchError struct {
	Entity     string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("tally export for %s failed with status %d", e.Entity, e.StatusCode)
}

// Client talks to a Tally HTTP server.
type Client struct {
	http    *resty.Client
	company string
	log     *zap.Logger
}

// NewClient creates a client for the configured Tally endpoint.
func NewClient(cfg config.SourceConfig, log *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("tally url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/xml").
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{http: rc, company: cfg.Company, log: log}, nil
}

// Fetch sends the export request for an entity and returns the raw response.
func (c *Client) Fetch(ctx context.Context, cfg *config.EntityConfig) ([]byte, error) {
	req := NewRequest(cfg, c.company)
	body, err := req.Envelope()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/")
	if err != nil {
		return nil, fmt.Errorf("tally export for %s: %w", cfg.Name, err)
	}
	if resp.IsError() {
		return nil, &FetchError{Entity: cfg.Name, StatusCode: resp.StatusCode()}
	}

	c.log.Info("Fetched Tally export",
		zap.String("entity", cfg.Name),
		zap.Int("bytes", len(resp.Body())),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp.Body(), nil
}
