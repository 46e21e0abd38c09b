package gnats

import (
	"encoding/json"
	"fmt"
)

// ServerInfo is the payload of an INFO frame.
type ServerInfo struct {
	ServerID     string   `json:"server_id"`
	ServerName   string   `json:"server_name,omitempty"`
	Version      string   `json:"version"`
	Proto        int      `json:"proto"`
	Host         string   `json:"host,omitempty"`
	Port         int      `json:"port,omitempty"`
	Headers      bool     `json:"headers,omitempty"`
	AuthRequired bool     `json:"auth_required,omitempty"`
	TLSRequired  bool     `json:"tls_required,omitempty"`
	TLSAvailable bool     `json:"tls_available,omitempty"`
	MaxPayload   int64    `json:"max_payload"`
	ClientID     uint64   `json:"client_id,omitempty"`
	ClientIP     string   `json:"client_ip,omitempty"`
	Nonce        string   `json:"nonce,omitempty"`
	Cluster      string   `json:"cluster,omitempty"`
	ConnectURLs  []string `json:"connect_urls,omitempty"`
	WSConnectURL []string `json:"ws_connect_urls,omitempty"`
	LameDuckMode bool     `json:"ldm,omitempty"`
}

func parseServerInfo(data []byte) (ServerInfo, error) {
	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ServerInfo{}, fmt.Errorf("%w: malformed INFO: %w", ErrProtocol, err)
	}
	return info, nil
}

// connectInfo is the payload of the CONNECT frame.
type connectInfo struct {
	Verbose     bool   `json:"verbose"`
	Pedantic    bool   `json:"pedantic"`
	TLSRequired bool   `json:"tls_required"`
	User        string `json:"user,omitempty"`
	Pass        string `json:"pass,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
	Name        string `json:"name,omitempty"`
	Lang        string `json:"lang"`
	Version     string `json:"version"`
	Protocol    int    `json:"protocol"`
	Echo        bool   `json:"echo"`
	NKey        string `json:"nkey,omitempty"`
	Signature   string `json:"sig,omitempty"`
	JWT         string `json:"jwt,omitempty"`
}

const (
	clientLang    = "go"
	clientVersion = "0.4.0"

	// protocol 1 enables asynchronous INFO updates with cluster connect_urls.
	clientProtocol = 1
)
