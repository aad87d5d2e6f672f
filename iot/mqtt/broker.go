package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot"
	"github.com/relabs-tech/dmpatterns/iot/credentials"
	"github.com/relabs-tech/dmpatterns/iot/methods"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

// Broker is a MQTT broker for IoT.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Store receives the twin reports. This is mandatory.
	Store twin.ReportedUpdater
	// Relay receives method responses and gets told about method subscriptions. Optional.
	Relay *methods.Relay
	// Verifier checks the shared access signatures which devices pass as MQTT password.
	// This is mandatory.
	Verifier *credentials.Verifier
	// Listener is optional. If set, the broker accepts connections on it and ignores
	// all file and address settings.
	Listener net.Listener
	// ListenAddress is the TLS address. Default is ":8883"
	ListenAddress string
	// CertFile is the file path to the X.509 certificate file. Mandatory without Listener.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. Mandatory without Listener.
	KeyFile string
	// CACertFile is the file path to the X.509 certificate of the certificate authority
	// for client certificates. Optional.
	CACertFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln             net.Listener
	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]string

	service gmqtt.Server

	store    twin.ReportedUpdater
	relay    *methods.Relay
	verifier *credentials.Verifier
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Store == nil {
		panic("Store is missing")
	}
	if bb.Verifier == nil {
		panic("Verifier is missing")
	}

	ln := bb.Listener
	if ln == nil {
		ln = listenTLS(bb)
	}

	return &Broker{
		p: &plugin{
			ln:        ln,
			deviceIds: make(map[net.Conn]string),
			store:     bb.Store,
			relay:     bb.Relay,
			verifier:  bb.Verifier,
		},
	}
}

func listenTLS(bb *Builder) net.Listener {
	if len(bb.CertFile) == 0 {
		panic("cert file missing")
	}
	if len(bb.KeyFile) == 0 {
		panic("key file missing")
	}
	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		panic(err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
	}
	if len(bb.CACertFile) > 0 {
		caCert, err := os.ReadFile(bb.CACertFile)
		if err != nil {
			panic(err)
		}
		caCertPool := x509.NewCertPool()
		ok := caCertPool.AppendCertsFromPEM(caCert)
		logger.Default().Infoln("mqtt: client ca certs OK =", ok)
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	address := bb.ListenAddress
	if len(address) == 0 {
		address = ":8883"
	}
	ln, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		panic(err)
	}
	return ln
}

// Run is blocking and runs the server until ctx is cancelled
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt: broker listening on", b.p.ln.Addr())
	<-ctx.Done()
	err := s.Stop(context.Background())
	logger.Default().Infoln("mqtt: broker stopped")
	return err
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	logger.Default().Debugf("mqtt: publish on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	logger.Default().Debugln("mqtt: load device management plugin")
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "device management broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) (string, bool) {
	p.deviceIdsRwmux.RLock()
	defer p.deviceIdsRwmux.RUnlock()
	deviceID, ok := p.deviceIds[conn]
	return deviceID, ok
}

// OnAcceptWrapper remembers the device ID of clients with a TLS client certificate
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) > 0 && len(state.VerifiedChains[0]) > 0 {
				commonName := state.VerifiedChains[0][0].Subject.CommonName
				p.deviceIdsRwmux.Lock()
				p.deviceIds[conn] = commonName
				p.deviceIdsRwmux.Unlock()
				logger.Default().Debugln("mqtt: accept certificate of", commonName)
			}
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID is the device ID. The device proves
// it either with the common name of its client certificate or with a shared access
// signature as password.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		if err := p.authorize(client.Connection(), options.ClientID(), options.Password()); err != nil {
			logger.Default().WithError(err).Infoln("mqtt: connect denied for", options.ClientID())
			return packets.CodeNotAuthorized
		}
		logger.Default().Infoln("mqtt: connect", options.ClientID())
		return connect(ctx, client)
	}
}

func (p *plugin) authorize(conn net.Conn, clientID, password string) error {
	if len(clientID) == 0 {
		return fmt.Errorf("client id is missing")
	}
	if commonName, ok := p.deviceIDFromConnection(conn); ok {
		if commonName != clientID {
			return fmt.Errorf("certificate is for %q", commonName)
		}
		return nil
	}
	return p.verifier.VerifyDevice(clientID, password)
}

// OnCloseWrapper forgets the connection
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		deviceID := client.OptionsReader().ClientID()
		if p.relay != nil {
			p.relay.SetSubscribed(deviceID, false)
		}
		p.deviceIdsRwmux.Lock()
		delete(p.deviceIds, client.Connection())
		p.deviceIdsRwmux.Unlock()
		logger.Default().Debugln("mqtt: closed", deviceID)
		closed(ctx, client, err)
	}
}

// OnMsgArrivedWrapper intercepts messages
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		if !p.handleMessage(ctx, deviceID, msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

const (
	topicKindUnknown = iota
	topicKindTwinReport
	topicKindMethodResponse
)

// parseTopic classifies a topic published by deviceID. For method responses, it
// also returns the request ID.
func parseTopic(deviceID, topic string) (kind int, rid string) {
	prefix := iot.DeviceTopic(deviceID)
	if !strings.HasPrefix(topic, prefix) {
		return topicKindUnknown, ""
	}
	rest := strings.TrimPrefix(topic, prefix)
	if rest == "twin/reports" {
		return topicKindTwinReport, ""
	}
	if strings.HasPrefix(rest, "methods/res/") {
		rid = strings.TrimPrefix(rest, "methods/res/")
		if len(rid) > 0 && !strings.Contains(rid, "/") {
			return topicKindMethodResponse, rid
		}
	}
	return topicKindUnknown, ""
}

// handleMessage processes a message from a device. It returns false for messages
// which must be dropped.
func (p *plugin) handleMessage(ctx context.Context, deviceID, topic string, payload []byte) bool {
	if !strings.HasPrefix(topic, "kurbisio/") {
		return true
	}
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, deviceID)
	kind, rid := parseTopic(deviceID, topic)
	switch kind {
	case topicKindTwinReport:
		patch, err := twin.PropertiesFrom(payload)
		if err != nil {
			rlog.Infoln("mqtt: invalid twin report")
			return false
		}
		version, err := p.store.UpdateReported(ctx, deviceID, patch)
		if err != nil {
			rlog.WithError(err).Errorln("mqtt: cannot write twin report")
			return false
		}
		rlog.Debugf("mqtt: twin report, now at version %d", version)
		return false
	case topicKindMethodResponse:
		if p.relay == nil {
			return false
		}
		var res methods.Response
		if err := json.Unmarshal(payload, &res); err != nil {
			rlog.Infoln("mqtt: invalid method response")
			return false
		}
		if err := p.relay.Respond(ctx, deviceID, rid, res); err != nil {
			rlog.WithError(err).Infoln("mqtt: dropped method response", rid)
		}
		return false
	default:
		rlog.Infoln("mqtt: topic not allowed:", topic)
		return false
	}
}

// subscriptionAllowed returns true if deviceID may subscribe to topic
func subscriptionAllowed(deviceID, topic string) bool {
	prefix := iot.DeviceTopic(deviceID) + "methods/"
	return topic == prefix+"#" || (strings.HasPrefix(topic, prefix) && !strings.HasPrefix(topic, prefix+"res/"))
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if !subscriptionAllowed(deviceID, topic.Name) {
			logger.Default().Infoln("mqtt: subscribe", deviceID, topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper tells the relay that the device receives methods via MQTT
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		deviceID := client.OptionsReader().ClientID()
		logger.Default().Debugln("mqtt: subscribed", deviceID, topic.Name)
		if p.relay != nil && topic.Name == iot.DeviceTopic(deviceID)+"methods/#" {
			p.relay.SetSubscribed(deviceID, true)
		}
		subscribed(ctx, client, topic)
	}
}
