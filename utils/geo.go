package utils

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoLocator resolves a client IP to a country name. A nil *GeoLocator resolves nothing.
type GeoLocator struct {
	db *geoip2.Reader
}

func NewGeoLocator(path string) (*GeoLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &GeoLocator{db: db}, nil
}

// Country returns the English country name for ip, or "" when unknown.
func (g *GeoLocator) Country(ipStr string) string {
	if g == nil || g.db == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(ipStr)
	if err != nil {
		host = ipStr
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return ""
	}
	record, err := g.db.Country(ip)
	if err != nil {
		return ""
	}
	if name := record.Country.Names["en"]; name != "" {
		return name
	}
	return record.Country.IsoCode
}

func (g *GeoLocator) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}
