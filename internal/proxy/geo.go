package proxy

import (
	"net"
	"regexp"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

// GeoEnricher annotates candidates with country and an estimated
// network type from local GeoLite databases. Entirely optional: a nil
// enricher or missing databases simply leave candidates unannotated.
type GeoEnricher struct {
	mu        sync.Mutex
	countryDB *geoip2.Reader
	asnDB     *geoip2.Reader
}

var (
	datacenterRegex = regexp.MustCompile(`(?i)(amazon|google|microsoft|digitalocean|linode|hetzner|ovh|vultr|ibm|alibaba|tencent|cloudflare|rackspace|hostinger|upcloud|azure|gcp|aws)`)
	ispRegex        = regexp.MustCompile(`(?i)(isp|broadband|telecom|communications|networks|carrier)`)
)

// NewGeoEnricher opens the mmdb files at the given paths. Either path
// may be empty; lookups that need a missing database return nothing.
func NewGeoEnricher(countryPath, asnPath string) *GeoEnricher {
	enricher := &GeoEnricher{}

	if countryPath != "" {
		db, err := geoip2.Open(countryPath)
		if err != nil {
			log.Warn("geo enrichment: country database unavailable", "path", countryPath, "error", err)
		} else {
			enricher.countryDB = db
		}
	}

	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			log.Warn("geo enrichment: asn database unavailable", "path", asnPath, "error", err)
		} else {
			enricher.asnDB = db
		}
	}

	return enricher
}

// Lookup resolves country name and estimated type for an address.
func (g *GeoEnricher) Lookup(address string) (country, estimatedType string) {
	if g == nil {
		return "", ""
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return "", ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.countryDB != nil {
		if record, err := g.countryDB.Country(ip); err == nil {
			country = record.Country.Names["en"]
		}
	}

	if g.asnDB != nil {
		if record, err := g.asnDB.ASN(ip); err == nil {
			estimatedType = classifyOrganisation(record.AutonomousSystemOrganization)
		}
	}

	return country, estimatedType
}

func classifyOrganisation(org string) string {
	switch {
	case org == "":
		return ""
	case datacenterRegex.MatchString(org):
		return "datacenter"
	case ispRegex.MatchString(org):
		return "isp"
	default:
		return "residential"
	}
}

func (g *GeoEnricher) Close() {
	if g == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.countryDB != nil {
		_ = g.countryDB.Close()
		g.countryDB = nil
	}
	if g.asnDB != nil {
		_ = g.asnDB.Close()
		g.asnDB = nil
	}
}
