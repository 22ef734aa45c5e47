package aggregator

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"
	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	addressFields   = []string{"ip", "host", "address"}
	protocolFields  = []string{"protocol", "protocols", "type"}
	countryFields   = []string{"country", "country_name", "country_code"}
	anonymityFields = []string{"anonymity", "anonymity_level"}
)

// parseJSONRecords decodes a top-level object and normalizes the records found
// in its array field. Records that cannot be normalized are skipped.
func parseJSONRecords(data []byte, field, source string, fallback types.Protocol) ([]types.Endpoint, error) {
	if field == "" {
		field = "data"
	}

	var payload map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	raw, ok := payload[field]
	if !ok {
		return nil, fmt.Errorf("payload has no %q field", field)
	}

	var records []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("field %q is not an array: %w", field, err)
	}

	proxies := make([]types.Endpoint, 0, len(records))
	for _, rawRecord := range records {
		var record map[string]interface{}
		if err := json.Unmarshal(rawRecord, &record); err != nil {
			continue
		}
		if endpoint, ok := normalizeRecord(record, source, fallback); ok {
			proxies = append(proxies, endpoint)
		}
	}

	return proxies, nil
}

func normalizeRecord(record map[string]interface{}, source string, fallback types.Protocol) (types.Endpoint, bool) {
	address := normalizeAddress(firstString(record, addressFields))
	if address == "" {
		return types.Endpoint{}, false
	}

	port, ok := portValue(record["port"])
	if !ok {
		// "1.2.3.4:8080" packed into the address field
		host, portText, err := net.SplitHostPort(address)
		if err != nil {
			return types.Endpoint{}, false
		}
		if port, ok = parsePort(portText); !ok {
			return types.Endpoint{}, false
		}
		address = host
	}

	var protocols []types.Protocol
	for _, key := range protocolFields {
		if value, exists := record[key]; exists {
			protocols = protocolValues(value)
			break
		}
	}
	if len(protocols) == 0 && fallback != "" {
		protocols = []types.Protocol{fallback}
	}

	return types.Endpoint{
		Address:   address,
		Port:      port,
		Protocols: protocols,
		Source:    source,
		Country:   orUnknown(firstString(record, countryFields)),
		Anonymity: orUnknown(firstString(record, anonymityFields)),
	}, true
}

// parseTextProxies parses newline-delimited address:port pairs
func parseTextProxies(r io.Reader, protocol types.Protocol, source string) ([]types.Endpoint, error) {
	proxies := make([]types.Endpoint, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if idx := strings.Index(line, "://"); idx >= 0 {
			line = line[idx+3:]
		}

		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			continue
		}

		address := normalizeAddress(parts[0])
		port, ok := parsePort(leadingDigits(parts[1]))
		if address == "" || !ok {
			continue
		}

		endpoint := types.Endpoint{
			Address:   address,
			Port:      port,
			Source:    source,
			Country:   types.Unknown,
			Anonymity: types.Unknown,
		}
		if protocol != "" {
			endpoint.Protocols = []types.Protocol{protocol}
		}
		proxies = append(proxies, endpoint)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	return proxies, nil
}

// parseHTMLTable extracts endpoints from the rows of an HTML proxy table
func parseHTMLTable(r io.Reader, source config.Source) ([]types.Endpoint, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	protocol, _ := types.ParseProtocol(source.Protocol)
	proxies := make([]types.Endpoint, 0)

	doc.Find(source.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		address := normalizeAddress(cells.Eq(source.AddressColumn).Text())
		port, ok := parsePort(strings.TrimSpace(cells.Eq(source.PortColumn).Text()))
		if address == "" || !ok || net.ParseIP(address) == nil {
			return
		}

		country := types.Unknown
		if source.CountryColumn != nil {
			country = orUnknown(cells.Eq(*source.CountryColumn).Text())
		}

		endpoint := types.Endpoint{
			Address:   address,
			Port:      port,
			Source:    source.Name,
			Country:   country,
			Anonymity: types.Unknown,
		}
		if protocol != "" {
			endpoint.Protocols = []types.Protocol{protocol}
		}
		proxies = append(proxies, endpoint)
	})

	return proxies, nil
}

func firstString(record map[string]interface{}, keys []string) string {
	for _, key := range keys {
		switch v := record[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func portValue(value interface{}) (int, bool) {
	switch v := value.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return validPort(int(v))
	case string:
		return parsePort(strings.TrimSpace(v))
	default:
		return 0, false
	}
}

func protocolValues(value interface{}) []types.Protocol {
	var names []string
	switch v := value.(type) {
	case string:
		names = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '/' || r == ';' })
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
	}

	protocols := make([]types.Protocol, 0, len(names))
	seen := make(map[types.Protocol]struct{}, len(names))
	for _, name := range names {
		p, ok := types.ParseProtocol(name)
		if !ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		protocols = append(protocols, p)
	}
	return protocols
}

func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return validPort(port)
}

func validPort(port int) (int, bool) {
	if port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

// leadingDigits returns the numeric prefix of s, so "8080 # US" yields "8080"
func leadingDigits(s string) string {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return types.Unknown
	}
	return s
}
