// Package discovery finds Canon cameras on the local network over UPnP
// SSDP, maintains the camera registry, and selects the primary camera
// the rest of the service operates on.
package discovery

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	ssdpMulticastAddr = "239.255.255.250:1900"

	// canonServiceType is the service Canon CCAPI cameras advertise.
	canonServiceType = "urn:schemas-canon-com:service:ICPO-CameraControlAPIService:1"

	searchInterval   = 60 * time.Second
	searchMX         = 3
	defaultCCAPIPort = 443
)

// Announcement is one SSDP sighting of a camera, resolved through its
// device descriptor.
type Announcement struct {
	UUID      string
	IP        string
	Port      int
	ModelName string
	Location  string
	Services  []string
}

// SSDP listens for multicast NOTIFY announcements and issues periodic
// M-SEARCH queries for the Canon camera service. Sightings are delivered
// on Announcements after the device descriptor has been fetched and
// parsed.
type SSDP struct {
	logger        *slog.Logger
	http          *http.Client
	announcements chan Announcement
	interval      time.Duration
	searchNow     chan struct{}
}

// NewSSDP creates the discovery listener.
func NewSSDP() *SSDP {
	return &SSDP{
		logger: slog.Default().With("component", "ssdp"),
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				// Canon descriptors are served over the same self-signed
				// endpoint as CCAPI itself.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		announcements: make(chan Announcement, 16),
		interval:      searchInterval,
		searchNow:     make(chan struct{}, 1),
	}
}

// Search requests an immediate M-SEARCH ahead of the periodic cadence.
// A no-op while a request is already pending or the listener is down.
func (s *SSDP) Search() {
	select {
	case s.searchNow <- struct{}{}:
	default:
	}
}

// Announcements is the stream of resolved sightings.
func (s *SSDP) Announcements() <-chan Announcement { return s.announcements }

// Run listens and searches until ctx is cancelled.
func (s *SSDP) Run(ctx context.Context) error {
	group, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return fmt.Errorf("resolve SSDP multicast address: %w", err)
	}

	listener, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("join SSDP multicast group: %w", err)
	}
	defer listener.Close()

	// Separate unicast socket for M-SEARCH; responses come back here.
	search, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("open SSDP search socket: %w", err)
	}
	defer search.Close()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
		_ = search.Close()
	}()

	go s.readLoop(ctx, listener, "notify")
	go s.readLoop(ctx, search, "response")
	go s.searchLoop(ctx, search, group)

	s.logger.Info("SSDP discovery started", "group", ssdpMulticastAddr)
	<-ctx.Done()
	return nil
}

func (s *SSDP) searchLoop(ctx context.Context, conn *net.UDPConn, group *net.UDPAddr) {
	msearch := strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + ssdpMulticastAddr,
		`MAN: "ssdp:discover"`,
		"MX: " + strconv.Itoa(searchMX),
		"ST: " + canonServiceType,
		"", "",
	}, "\r\n")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteToUDP([]byte(msearch), group); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("M-SEARCH send failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.searchNow:
		}
	}
}

func (s *SSDP) readLoop(ctx context.Context, conn *net.UDPConn, kind string) {
	buf := make([]byte, 4096)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("SSDP read failed", "kind", kind, "error", err)
			return
		}
		headers := parseSSDPHeaders(buf[:n])
		if !isCanonCamera(headers) {
			continue
		}
		location := headers["LOCATION"]
		if location == "" {
			continue
		}
		ann, err := s.resolve(ctx, location, src.IP.String())
		if err != nil {
			s.logger.Warn("Failed to resolve device descriptor",
				"location", location, "error", err)
			continue
		}
		select {
		case s.announcements <- ann:
		case <-ctx.Done():
			return
		}
	}
}

// isCanonCamera checks NT (NOTIFY), ST (search response), and USN for
// the Canon camera control service.
func isCanonCamera(headers map[string]string) bool {
	for _, key := range []string{"NT", "ST", "USN"} {
		if strings.Contains(headers[key], canonServiceType) {
			return true
		}
	}
	return false
}

// parseSSDPHeaders parses an SSDP datagram (NOTIFY request or M-SEARCH
// response) into upper-cased header keys. The start line is skipped.
func parseSSDPHeaders(data []byte) map[string]string {
	headers := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return headers
}

// deviceDescriptor is the UPnP device description document.
type deviceDescriptor struct {
	XMLName xml.Name `xml:"root"`
	Device  struct {
		FriendlyName string `xml:"friendlyName"`
		ModelName    string `xml:"modelName"`
		UDN          string `xml:"UDN"`
		ServiceList  struct {
			Services []struct {
				ServiceType string `xml:"serviceType"`
				AccessURL   string `xml:"X_accessURL"`
			} `xml:"service"`
		} `xml:"serviceList"`
	} `xml:"device"`
}

// resolve fetches and parses the device descriptor referenced by an
// announcement's LOCATION header.
func (s *SSDP) resolve(ctx context.Context, location, srcIP string) (Announcement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return Announcement{}, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return Announcement{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Announcement{}, fmt.Errorf("descriptor fetch returned %d", resp.StatusCode)
	}

	var doc deviceDescriptor
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&doc); err != nil {
		return Announcement{}, fmt.Errorf("parse descriptor: %w", err)
	}

	uuid := strings.TrimPrefix(doc.Device.UDN, "uuid:")
	if uuid == "" {
		return Announcement{}, fmt.Errorf("descriptor has no UDN")
	}

	ip, port := srcIP, defaultCCAPIPort
	if u, err := url.Parse(location); err == nil && u.Hostname() != "" {
		ip = u.Hostname()
	}

	var services []string
	for _, svc := range doc.Device.ServiceList.Services {
		services = append(services, svc.ServiceType)
		// The CCAPI endpoint port comes from the access URL when present.
		if svc.ServiceType == canonServiceType && svc.AccessURL != "" {
			if u, err := url.Parse(svc.AccessURL); err == nil {
				if p, err := strconv.Atoi(u.Port()); err == nil {
					port = p
				}
				if u.Hostname() != "" {
					ip = u.Hostname()
				}
			}
		}
	}

	model := doc.Device.ModelName
	if model == "" {
		model = doc.Device.FriendlyName
	}

	return Announcement{
		UUID:      uuid,
		IP:        ip,
		Port:      port,
		ModelName: model,
		Location:  location,
		Services:  services,
	}, nil
}
