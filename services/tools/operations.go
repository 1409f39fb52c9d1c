package tools

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ledgerbackend/clients"
)

// Operation describes one remote call exposed as a tool. Path may contain
// {arg} placeholders filled from the call arguments.
type Operation struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Collection  string            `json:"collection,omitempty"`
	Paginated   bool              `json:"paginated"`
	Required    []string          `json:"required,omitempty"`
	QueryArgs   map[string]string `json:"query_args,omitempty"`
	BodyArg     string            `json:"body_arg,omitempty"`
}

const (
	limitArg    = "limit"
	pageSizeArg = "page_size"
)

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// DefaultOperations returns the built-in accounting operations
func DefaultOperations() []Operation {
	listQuery := map[string]string{"where": "where", "order": "order"}
	return []Operation{
		{
			Name:        "list_invoices",
			Description: "List invoices, optionally filtered with a where clause",
			Method:      http.MethodGet,
			Path:        "Invoices",
			Collection:  "Invoices",
			Paginated:   true,
			QueryArgs:   withQuery(listQuery, map[string]string{"statuses": "Statuses", "contact_ids": "ContactIDs"}),
		},
		{
			Name:        "get_invoice",
			Description: "Get a single invoice by id or number",
			Method:      http.MethodGet,
			Path:        "Invoices/{invoice_id}",
			Collection:  "Invoices",
			Required:    []string{"invoice_id"},
		},
		{
			Name:        "create_invoice",
			Description: "Create an invoice from the given payload",
			Method:      http.MethodPost,
			Path:        "Invoices",
			Collection:  "Invoices",
			Required:    []string{"invoice"},
			BodyArg:     "invoice",
		},
		{
			Name:        "list_contacts",
			Description: "List contacts, optionally filtered with a where clause",
			Method:      http.MethodGet,
			Path:        "Contacts",
			Collection:  "Contacts",
			Paginated:   true,
			QueryArgs:   withQuery(listQuery, map[string]string{"search_term": "searchTerm"}),
		},
		{
			Name:        "get_contact",
			Description: "Get a single contact by id",
			Method:      http.MethodGet,
			Path:        "Contacts/{contact_id}",
			Collection:  "Contacts",
			Required:    []string{"contact_id"},
		},
		{
			Name:        "create_contact",
			Description: "Create a contact from the given payload",
			Method:      http.MethodPost,
			Path:        "Contacts",
			Collection:  "Contacts",
			Required:    []string{"contact"},
			BodyArg:     "contact",
		},
		{
			Name:        "list_accounts",
			Description: "List the chart of accounts",
			Method:      http.MethodGet,
			Path:        "Accounts",
			Collection:  "Accounts",
			QueryArgs:   listQuery,
		},
		{
			Name:        "get_profit_and_loss",
			Description: "Get the profit and loss report for a date range",
			Method:      http.MethodGet,
			Path:        "Reports/ProfitAndLoss",
			Collection:  "Reports",
			QueryArgs: map[string]string{
				"from_date": "fromDate",
				"to_date":   "toDate",
				"periods":   "periods",
				"timeframe": "timeframe",
			},
		},
		{
			Name:        "get_organisation",
			Description: "Get details of the connected organisation",
			Method:      http.MethodGet,
			Path:        "Organisation",
			Collection:  "Organisations",
		},
	}
}

func withQuery(base map[string]string, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func (o Operation) validateDefinition() error {
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("operation name cannot be empty")
	}
	if o.Method == "" {
		return fmt.Errorf("operation %s has no HTTP method", o.Name)
	}
	if o.Path == "" {
		return fmt.Errorf("operation %s has no path", o.Name)
	}
	if o.Paginated && o.Collection == "" {
		return fmt.Errorf("paginated operation %s needs a collection", o.Name)
	}
	return nil
}

// missingArgs returns the required arguments absent from args, in declaration order
func (o Operation) missingArgs(args map[string]any) []string {
	var missing []string
	for _, name := range o.Required {
		value, ok := args[name]
		if !ok || value == nil {
			missing = append(missing, name)
			continue
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// buildRequest renders the path, query and body for a call. Access token
// and tenant are filled in by the dispatcher.
func (o Operation) buildRequest(args map[string]any) (*clients.Request, error) {
	var renderErr error
	path := placeholderPattern.ReplaceAllStringFunc(o.Path, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := argString(args[name])
		if !ok || value == "" {
			renderErr = fmt.Errorf("missing path argument %s", name)
			return match
		}
		return url.PathEscape(value)
	})
	if renderErr != nil {
		return nil, renderErr
	}

	query := url.Values{}
	argNames := make([]string, 0, len(o.QueryArgs))
	for name := range o.QueryArgs {
		argNames = append(argNames, name)
	}
	sort.Strings(argNames)
	for _, name := range argNames {
		if value, ok := argString(args[name]); ok && value != "" {
			query.Set(o.QueryArgs[name], value)
		}
	}

	request := &clients.Request{Method: o.Method, Path: path, Query: query}
	if o.BodyArg != "" {
		body, err := json.Marshal(args[o.BodyArg])
		if err != nil {
			return nil, fmt.Errorf("argument %s is not valid JSON: %w", o.BodyArg, err)
		}
		request.Body = body
	}
	return request, nil
}

func argString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := argString(item); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ","), true
	}
	return "", false
}

func argInt(args map[string]any, name string) int {
	value, ok := argString(args[name])
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
