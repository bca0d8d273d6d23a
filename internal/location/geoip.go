package location

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
)

// DefaultDataCenterASNs 已知的数据中心和云服务商 ASN
var DefaultDataCenterASNs = []uint{
	16509,  // Amazon AWS
	14618,  // Amazon AWS
	8075,   // Microsoft Azure
	15169,  // Google Cloud
	396982, // Google Cloud
	14061,  // DigitalOcean
	16276,  // OVH
	24940,  // Hetzner
	45102,  // Alibaba Cloud
	37963,  // Alibaba Cloud
}

// GeoIPResolver looks up coordinates and ASNs in MaxMind databases.
// Either database may be absent; lookups against a missing database return no result.
type GeoIPResolver struct {
	mu            sync.RWMutex
	city          *geoip2.Reader
	asn           *geoip2.Reader
	dataCenterASN map[uint]bool
	log           logger.Logger
}

// OpenGeoIP opens the City and ASN databases. Empty paths are skipped.
func OpenGeoIP(cityPath, asnPath string, log logger.Logger) (*GeoIPResolver, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	r := &GeoIPResolver{log: log.WithField("component", "geoip")}
	r.SetDataCenterASNs(DefaultDataCenterASNs)

	if cityPath != "" {
		city, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("初始化GeoIP数据库失败: %w", err)
		}
		r.city = city
	}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			if r.city != nil {
				r.city.Close()
			}
			return nil, fmt.Errorf("初始化ASN数据库失败: %w", err)
		}
		r.asn = asn
	}

	r.log.Info("GeoIP resolver ready", "city", cityPath != "", "asn", asnPath != "")
	return r, nil
}

// SetDataCenterASNs replaces the ASN list used by IsDataCenter
func (r *GeoIPResolver) SetDataCenterASNs(asns []uint) {
	m := make(map[uint]bool, len(asns))
	for _, a := range asns {
		m[a] = true
	}
	r.mu.Lock()
	r.dataCenterASN = m
	r.mu.Unlock()
}

// Locate returns the coordinates of ip, or nil when the City database is not loaded
// or has no coordinates for it.
func (r *GeoIPResolver) Locate(ip string) (*Point, error) {
	if r == nil || r.city == nil {
		return nil, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, apperrors.NewValidationError("ip", fmt.Sprintf("invalid IP address %q", ip))
	}

	record, err := r.city.City(parsed)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeGeoLookup, "GeoIP查询失败", err)
	}
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return nil, nil
	}
	return &Point{Lat: record.Location.Latitude, Lon: record.Location.Longitude}, nil
}

// IsDataCenter reports whether ip belongs to a known hosting provider ASN
func (r *GeoIPResolver) IsDataCenter(ip string) (bool, error) {
	if r == nil || r.asn == nil {
		return false, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false, apperrors.NewValidationError("ip", fmt.Sprintf("invalid IP address %q", ip))
	}

	record, err := r.asn.ASN(parsed)
	if err != nil {
		return false, apperrors.NewAppError(apperrors.ErrCodeGeoLookup, "ASN查询失败", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dataCenterASN[record.AutonomousSystemNumber], nil
}

// Close releases both databases
func (r *GeoIPResolver) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.city != nil {
		firstErr = r.city.Close()
	}
	if r.asn != nil {
		if err := r.asn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
