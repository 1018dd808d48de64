package util

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/ValentinKolb/dSync/rpc/transport/http"
	"github.com/ValentinKolb/dSync/rpc/transport/tcp"
	"github.com/ValentinKolb/dSync/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (DSYNC_<FLAG>)
	EnvPrefix = "dsync"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitEnv loads .env files and maps environment variables to flags
func InitEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// SetupTLSFlags adds the mutual TLS flags shared by client and server
func SetupTLSFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("tls-cert", "", WrapString("PEM certificate presented to the other side. Enables mutual TLS (tcp and http transports)"))
	cmd.PersistentFlags().String("tls-key", "", WrapString("PEM private key of the certificate"))
	cmd.PersistentFlags().String("tls-ca", "", WrapString("PEM certificate authority used to verify the other side"))
}

// GetTLSConfig reads the TLS flags
func GetTLSConfig() common.TLSConfig {
	return common.TLSConfig{
		CertFile: viper.GetString("tls-cert"),
		KeyFile:  viper.GetString("tls-key"),
		CAFile:   viper.GetString("tls-ca"),
	}
}

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "endpoints"
	cmd.PersistentFlags().String(key, "localhost:7000", WrapString("Comma-separated list of dSync servers. Listing every member of a cluster lets the client find the leader"))

	key = "conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per endpoint (tcp and unix transports)"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to try a request before giving up"))

	key = "shard"
	cmd.PersistentFlags().Uint64(key, 1, WrapString("ID of the shard to connect to"))

	SetupTLSFlags(cmd)
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	var endpoints []string
	for _, e := range strings.Split(viper.GetString("endpoints"), ",") {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	return &common.ClientConfig{
		Endpoints:              endpoints,
		TimeoutSecond:          viper.GetInt("timeout"),
		RetryCount:             viper.GetInt("retries"),
		ConnectionsPerEndpoint: viper.GetInt("conn-per-endpoint"),
		TLS:                    GetTLSConfig(),
	}
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetTransport creates a client transport based on configuration
func GetTransport() (transport.IRPCClientTransport, error) {
	f, err := GetTransportFactory()
	if err != nil {
		return nil, err
	}
	return f(), nil
}

// GetTransportFactory returns the constructor of the configured client
// transport
func GetTransportFactory() (func() transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpClientTransport, nil
	case "tcp":
		return tcp.NewTCPClientTransport, nil
	case "unix":
		return unix.NewUnixClientTransport, nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetShardID retrieves the configured shard ID
func GetShardID() uint64 {
	return viper.GetUint64("shard")
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// NewClient connects to the configured servers
func NewClient(cmd *cobra.Command) (*client.RPCStore, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return nil, err
	}
	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}
	t, err := GetTransport()
	if err != nil {
		return nil, err
	}
	return client.NewRPCStore(GetShardID(), *GetClientConfig(), t, s)
}

// --------------------------------------------------------------------------
// Parsing and printing
// --------------------------------------------------------------------------

// ParseNodeID accepts a numeric id or a node name, which is hashed.
func ParseNodeID(s string) uint64 {
	if id, err := strconv.ParseUint(s, 10, 64); err == nil {
		return id
	}
	return uint64(util.HashString(s, 0))
}

// ParsePeers parses "id=address,id=address".
func ParsePeers(s string) (map[uint64]string, error) {
	peers := make(map[uint64]string)
	for _, member := range strings.Split(s, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		parts := strings.SplitN(member, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer format: %s (expected ID=address)", member)
		}
		peers[ParseNodeID(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	return peers, nil
}

// ParseFields parses name=value pairs against the schema of coll. An empty
// value removes the field in an update.
func ParseFields(coll schema.Collection, args []string) (schema.Fields, error) {
	s, ok := schema.Lookup(coll)
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", coll)
	}
	fields := make(schema.Fields, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid field %q (expected name=value)", arg)
		}
		f, ok := s.FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("collection %s has no field %q", s.Name, name)
		}
		if raw == "" {
			fields[f.ID] = schema.Value{}
			continue
		}
		v, err := schema.ParseValue(f.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields[f.ID] = v
	}
	return fields, nil
}

// FormatDocument renders a document as "id: name=value ..." ordered by field id.
func FormatDocument(d *docstore.Document) string {
	s, _ := schema.Lookup(d.Collection)
	ids := make([]int, 0, len(d.Fields))
	for id := range d.Fields {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d:", d.ID)
	for _, id := range ids {
		name := strconv.Itoa(id)
		if s != nil {
			if f, ok := s.Field(schema.FieldID(id)); ok {
				name = f.Name
			}
		}
		fmt.Fprintf(&sb, " %s=%s", name, d.Fields[schema.FieldID(id)])
	}
	for _, h := range d.Blobs {
		fmt.Fprintf(&sb, " blob=%s", h)
	}
	return sb.String()
}
