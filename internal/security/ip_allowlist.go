package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// ParseCIDRAllowlist parses API_IP_ALLOWLIST entries. Blank entries are skipped.
func ParseCIDRAllowlist(cidrs []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist entry %q: %w", cidr, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Allowed reports whether ip falls inside allow. An empty list admits everyone;
// a nil ip is admitted only then.
func Allowed(allow []*net.IPNet, ip net.IP) bool {
	if len(allow) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, n := range allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func hostIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// IPAllowlist answers 403 to clients whose remote address is outside allow.
func IPAllowlist(allow []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Allowed(allow, hostIP(r.RemoteAddr)) {
				WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPAllowlistUnaryInterceptor rejects gRPC peers outside allow with PermissionDenied.
// Peers without an IP address, such as in-process listeners, never match a
// non-empty list.
func IPAllowlistUnaryInterceptor(allow []*net.IPNet) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(allow) == 0 {
			return handler(ctx, req)
		}
		var ip net.IP
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			if tcp, ok := p.Addr.(*net.TCPAddr); ok {
				ip = tcp.IP
			} else {
				ip = hostIP(p.Addr.String())
			}
		}
		if !Allowed(allow, ip) {
			return nil, status.Error(codes.PermissionDenied, "forbidden")
		}
		return handler(ctx, req)
	}
}
