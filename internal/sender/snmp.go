package sender

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
)

// DefaultEnterpriseOID roots herald's trap varbinds when a channel sets none.
const DefaultEnterpriseOID = ".1.3.6.1.4.1.8072.9999.42"

const (
	oidSysUpTime   = ".1.3.6.1.2.1.1.3.0"
	oidSnmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"
)

// SNMPSender emits SNMP v1 or v2c traps.
type SNMPSender struct {
	started time.Time
	logger  *zap.Logger
}

func NewSNMPSender(logger *zap.Logger) *SNMPSender {
	return &SNMPSender{started: time.Now(), logger: logger}
}

func (s *SNMPSender) SupportsChannel(t channel.Type) bool {
	return t == channel.TypeSNMPTrap
}

func (s *SNMPSender) Send(ctx context.Context, msg *Message) error {
	cfg, err := configAs[*channel.SNMPTrapConfig](msg)
	if err != nil {
		return err
	}

	g := &gosnmp.GoSNMP{
		Target:    cfg.Host,
		Port:      cfg.Port,
		Community: cfg.Community,
		Version:   snmpVersion(cfg.Version),
		Timeout:   5 * time.Second,
		Retries:   0,
		Context:   ctx,
	}
	if g.Port == 0 {
		g.Port = 162
	}
	if g.Community == "" {
		g.Community = "public"
	}
	if deadline, ok := ctx.Deadline(); ok {
		g.Timeout = time.Until(deadline)
	}

	if err := g.Connect(); err != nil {
		return fmt.Errorf("snmp connect %s:%d: %w", g.Target, g.Port, err)
	}
	defer g.Conn.Close()

	uptime := uint32(time.Since(s.started) / (10 * time.Millisecond))
	if _, err := g.SendTrap(BuildTrap(cfg, msg.Payload, g.Version, uptime)); err != nil {
		return fmt.Errorf("snmp send trap: %w", err)
	}

	s.logger.Info("snmp trap sent",
		zap.Int64("job_id", msg.JobID),
		zap.String("target", g.Target),
	)
	return nil
}

func snmpVersion(v string) gosnmp.SnmpVersion {
	switch v {
	case "v1", "1":
		return gosnmp.Version1
	default:
		return gosnmp.Version2c
	}
}

// specificTrap encodes the alert event as the enterprise-specific trap number.
func specificTrap(event string) int {
	switch event {
	case db.EventAcknowledged:
		return 2
	case db.EventClosed:
		return 3
	default:
		return 1
	}
}

// BuildTrap lays the alert out as varbinds under the enterprise OID:
// .1 alert id, .2 severity, .3 type, .4 device, .5 site, .6 message, .7 event.
func BuildTrap(cfg *channel.SNMPTrapConfig, p db.Payload, version gosnmp.SnmpVersion, uptime uint32) gosnmp.SnmpTrap {
	enterprise := cfg.Enterprise
	if enterprise == "" {
		enterprise = DefaultEnterpriseOID
	}
	if !strings.HasPrefix(enterprise, ".") {
		enterprise = "." + enterprise
	}
	specific := specificTrap(p.EventType)

	vars := []gosnmp.SnmpPDU{
		{Name: enterprise + ".1", Type: gosnmp.OctetString, Value: p.AlertID},
		{Name: enterprise + ".2", Type: gosnmp.Integer, Value: p.Severity},
		{Name: enterprise + ".3", Type: gosnmp.OctetString, Value: p.AlertType},
		{Name: enterprise + ".4", Type: gosnmp.OctetString, Value: p.DeviceID},
		{Name: enterprise + ".5", Type: gosnmp.OctetString, Value: p.SiteID},
		{Name: enterprise + ".6", Type: gosnmp.OctetString, Value: p.Message},
		{Name: enterprise + ".7", Type: gosnmp.OctetString, Value: p.EventType},
	}

	if version == gosnmp.Version1 {
		return gosnmp.SnmpTrap{
			Variables:    vars,
			Enterprise:   enterprise,
			AgentAddress: "0.0.0.0",
			GenericTrap:  6,
			SpecificTrap: specific,
			Timestamp:    uint(uptime),
		}
	}

	header := []gosnmp.SnmpPDU{
		{Name: oidSysUpTime, Type: gosnmp.TimeTicks, Value: uptime},
		{Name: oidSnmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: fmt.Sprintf("%s.0.%d", enterprise, specific)},
	}
	return gosnmp.SnmpTrap{Variables: append(header, vars...)}
}
