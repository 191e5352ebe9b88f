package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// cpuWindow is how long CPU utilisation is measured for each sample.
const cpuWindow = time.Second

// Sampler reads host resource metrics.
type Sampler interface {
	CPUPercent(ctx context.Context) (float64, error)
	AvailableMemoryMB(ctx context.Context) (float64, error)
}

// AddressResolver looks up the host's external network address.
type AddressResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// SystemSampler reads metrics with gopsutil.
type SystemSampler struct{}

func (SystemSampler) CPUPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, cpuWindow, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, errors.New("no cpu utilisation reported")
	}
	return values[0], nil
}

func (SystemSampler) AvailableMemoryMB(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return float64(vm.Available) / 1024 / 1024, nil
}

// HTTPAddressResolver asks a plain-text echo service (such as
// api.ipify.org) for the caller's public address.
type HTTPAddressResolver struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPAddressResolver(url string, timeout time.Duration) (*HTTPAddressResolver, error) {
	if url == "" {
		return nil, errors.New("address url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAddressResolver{url: url, client: &http.Client{}, timeout: timeout}, nil
}

func (r *HTTPAddressResolver) Resolve(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("address lookup unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read address: %w", err)
	}
	address := strings.TrimSpace(string(body))
	ip := net.ParseIP(address)
	if ip == nil {
		return "", fmt.Errorf("address lookup returned %q", address)
	}
	return ip.String(), nil
}
