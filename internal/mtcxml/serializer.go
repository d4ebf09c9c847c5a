// Package mtcxml projects the registry and stores into MTConnect response
// documents: MTConnectDevices for probe, MTConnectStreams for current and
// sample, MTConnectAssets for assets, and MTConnectError for failures.
package mtcxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/micheletedeschi/mtconnect-agent/internal/asset"
	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
	"github.com/micheletedeschi/mtconnect-agent/internal/store"
)

// Client-facing error codes carried in MTConnectError documents.
const (
	ErrCodeOutOfRange   = "OUT_OF_RANGE"
	ErrCodeInvalidXPath = "INVALID_XPATH"
	ErrCodeUnsupported  = "UNSUPPORTED"
)

// Serializer carries the per-agent header fields. Version selects the
// MTConnect namespace minor version of the emitted documents.
type Serializer struct {
	Sender     string
	InstanceID int64
	Version    string
	BufferSize int

	// Now supplies the header creationTime; nil means time.Now.
	Now func() time.Time
}

func (s *Serializer) creationTime() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (s *Serializer) version() string {
	if s.Version == "" {
		return "1.3"
	}
	return s.Version
}

func (s *Serializer) namespace(root string) string {
	return fmt.Sprintf("urn:mtconnect.org:MTConnect%s:%s", root, s.version())
}

// elem is a lightweight build-side XML element; the encoder renders it.
type elem struct {
	name     string
	attrs    []xml.Attr
	text     string
	children []*elem
}

func newElem(name string, attrs ...xml.Attr) *elem {
	return &elem{name: name, attrs: attrs}
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func (e *elem) add(child *elem) *elem {
	e.children = append(e.children, child)
	return child
}

func (e *elem) encode(enc *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Local: e.name}, Attr: e.attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.text != "" {
		if err := enc.EncodeToken(xml.CharData(e.text)); err != nil {
			return err
		}
	}
	for _, c := range e.children {
		if err := c.encode(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (s *Serializer) render(root *elem) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := root.encode(enc); err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (s *Serializer) header(extra ...xml.Attr) *elem {
	attrs := []xml.Attr{
		attr("creationTime", s.creationTime()),
		attr("sender", s.Sender),
		attr("instanceId", fmt.Sprintf("%d", s.InstanceID)),
		attr("version", s.version()),
		attr("bufferSize", fmt.Sprintf("%d", s.BufferSize)),
	}
	attrs = append(attrs, extra...)
	return newElem("Header", attrs...)
}

// elementName maps a dataitem type to its MTConnect element tag:
// AVAILABILITY -> Availability, ASSET_CHANGED -> AssetChanged. TIME_SERIES
// representation appends the TimeSeries suffix.
func elementName(di *schema.DataItem) string {
	name := pascalCase(di.Type)
	if di.IsTimeSeries() {
		name += "TimeSeries"
	}
	return name
}

func pascalCase(typ string) string {
	parts := strings.Split(strings.ToLower(typ), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "")
}

// Probe emits the MTConnectDevices document for the given devices: the
// schema tree only, no observation values.
func (s *Serializer) Probe(reg *schema.Registry, uuids []string) ([]byte, error) {
	root := newElem("MTConnectDevices", attr("xmlns", s.namespace("Devices")))
	root.add(s.header())
	devices := root.add(newElem("Devices"))

	for _, uuid := range uuids {
		dev := reg.Device(uuid)
		if dev == nil {
			continue
		}
		devEl := devices.add(newElem("Device",
			attr("uuid", dev.UUID), attr("name", dev.Name)))
		addDataItems(devEl, dev.DataItems)
		addComponents(devEl, dev.Components)
	}
	return s.render(root)
}

func addDataItems(parent *elem, items []*schema.DataItem) {
	if len(items) == 0 {
		return
	}
	list := parent.add(newElem("DataItems"))
	for _, di := range items {
		attrs := []xml.Attr{
			attr("id", di.ID),
			attr("category", di.Category),
			attr("type", di.Type),
		}
		if di.Name != "" {
			attrs = append(attrs, attr("name", di.Name))
		}
		if di.SubType != "" {
			attrs = append(attrs, attr("subType", di.SubType))
		}
		if di.Representation != "" {
			attrs = append(attrs, attr("representation", di.Representation))
		}
		list.add(newElem("DataItem", attrs...))
	}
}

func addComponents(parent *elem, comps []*schema.Component) {
	if len(comps) == 0 {
		return
	}
	list := parent.add(newElem("Components"))
	for _, c := range comps {
		attrs := []xml.Attr{attr("id", c.ID)}
		if c.Name != "" {
			attrs = append(attrs, attr("name", c.Name))
		}
		el := list.add(newElem(c.Type, attrs...))
		addDataItems(el, c.DataItems)
		addComponents(el, c.Components)
	}
}

// streamGroup buckets observations under one component of one device.
type streamGroup struct {
	deviceUUID  string
	componentID string
	samples     []*store.Observation
	events      []*store.Observation
	conditions  []*store.Observation
}

// Streams emits an MTConnectStreams document for /current and /sample.
// Observations group by device and component, mirroring the registry
// hierarchy restricted to the result set.
func (s *Serializer) Streams(reg *schema.Registry, observations []*store.Observation, seq store.SequenceInfo) ([]byte, error) {
	root := newElem("MTConnectStreams", attr("xmlns", s.namespace("Streams")))
	root.add(s.header(
		attr("nextSequence", fmt.Sprintf("%d", seq.Next)),
		attr("firstSequence", fmt.Sprintf("%d", seq.First)),
		attr("lastSequence", fmt.Sprintf("%d", seq.Last)),
	))
	streams := root.add(newElem("Streams"))

	var groups []*streamGroup
	byKey := make(map[string]*streamGroup)
	for _, obs := range observations {
		di := reg.DataItemByID(obs.DataItemID)
		if di == nil {
			continue
		}
		key := di.DeviceUUID() + "\x00" + di.ComponentID()
		g := byKey[key]
		if g == nil {
			g = &streamGroup{deviceUUID: di.DeviceUUID(), componentID: di.ComponentID()}
			byKey[key] = g
			groups = append(groups, g)
		}
		switch {
		case di.IsCondition():
			g.conditions = append(g.conditions, obs)
		case di.Category == schema.CategorySample:
			g.samples = append(g.samples, obs)
		default:
			g.events = append(g.events, obs)
		}
	}

	var currentDevice *elem
	currentUUID := ""
	for _, g := range groups {
		dev := reg.Device(g.deviceUUID)
		if dev == nil {
			continue
		}
		if currentDevice == nil || currentUUID != g.deviceUUID {
			currentDevice = streams.add(newElem("DeviceStream",
				attr("name", dev.Name), attr("uuid", dev.UUID)))
			currentUUID = g.deviceUUID
		}

		compType, compID := "Device", dev.UUID
		if g.componentID != "" {
			if comp := reg.ComponentByID(g.componentID); comp != nil {
				compType, compID = comp.Type, comp.ID
			}
		}
		compEl := currentDevice.add(newElem("ComponentStream",
			attr("component", compType), attr("componentId", compID)))

		if len(g.samples) > 0 {
			bucket := compEl.add(newElem("Samples"))
			for _, obs := range g.samples {
				bucket.add(observationElem(reg, obs))
			}
		}
		if len(g.events) > 0 {
			bucket := compEl.add(newElem("Events"))
			for _, obs := range g.events {
				bucket.add(observationElem(reg, obs))
			}
		}
		if len(g.conditions) > 0 {
			bucket := compEl.add(newElem("Condition"))
			for _, obs := range g.conditions {
				bucket.add(conditionElem(reg, obs))
			}
		}
	}
	return s.render(root)
}

// observationElem renders one non-condition observation. The tag is the
// dataitem's type name, with the TimeSeries suffix and sample attributes
// for TIME_SERIES representation.
func observationElem(reg *schema.Registry, obs *store.Observation) *elem {
	di := reg.DataItemByID(obs.DataItemID)
	attrs := []xml.Attr{
		attr("dataItemId", obs.DataItemID),
		attr("timestamp", obs.Time),
		attr("sequence", fmt.Sprintf("%d", obs.Sequence)),
	}
	if obs.DataItemName != "" {
		attrs = append(attrs, attr("name", obs.DataItemName))
	}
	if di.SubType != "" {
		attrs = append(attrs, attr("subType", di.SubType))
	}

	el := newElem(elementName(di))
	switch v := obs.Value.(type) {
	case store.Scalar:
		el.text = string(v)
	case store.TimeSeries:
		rate := v.SampleRate
		if rate == "" {
			rate = "0"
		}
		attrs = append(attrs,
			attr("sampleCount", v.SampleCount),
			attr("sampleRate", rate))
		el.text = v.Samples
	case store.Message:
		if v.NativeCode != "" {
			attrs = append(attrs, attr("nativeCode", v.NativeCode))
		}
		el.text = v.Text
	case store.Alarm:
		attrs = append(attrs,
			attr("code", v.Code),
			attr("nativeCode", v.NativeCode),
			attr("severity", v.Severity),
			attr("state", v.State))
		el.text = v.Text
	}
	el.attrs = attrs
	return el
}

// conditionElem renders a condition observation: the tag is the dataitem
// type, the multi-field status goes into a nested Entry element.
func conditionElem(reg *schema.Registry, obs *store.Observation) *elem {
	di := reg.DataItemByID(obs.DataItemID)
	cond := obs.Value.(store.Condition)

	el := newElem(pascalCase(di.Type),
		attr("dataItemId", obs.DataItemID),
		attr("timestamp", obs.Time),
		attr("sequence", fmt.Sprintf("%d", obs.Sequence)),
		attr("name", obs.DataItemName),
	)
	entryAttrs := []xml.Attr{attr("level", cond.Level)}
	if cond.NativeCode != "" {
		entryAttrs = append(entryAttrs, attr("nativeCode", cond.NativeCode))
	}
	if cond.NativeSeverity != "" {
		entryAttrs = append(entryAttrs, attr("nativeSeverity", cond.NativeSeverity))
	}
	if cond.Qualifier != "" {
		entryAttrs = append(entryAttrs, attr("qualifier", cond.Qualifier))
	}
	entry := el.add(newElem("Entry", entryAttrs...))
	entry.text = cond.Message
	return el
}

// Assets emits the MTConnectAssets document. Asset bodies are serialized
// from their stored trees; comma-separated multi-status fields expand to
// repeated elements inside the tree writer.
func (s *Serializer) Assets(records []*asset.Asset, totalCount int) ([]byte, error) {
	root := newElem("MTConnectAssets", attr("xmlns", s.namespace("Assets")))
	root.add(s.header(
		attr("assetBufferSize", fmt.Sprintf("%d", s.BufferSize)),
		attr("assetCount", fmt.Sprintf("%d", totalCount)),
	))
	assetsEl := root.add(newElem("Assets"))

	var buf bytes.Buffer
	for _, a := range records {
		buf.Reset()
		if a.Value != nil {
			annotated := a.Value.Clone()
			annotated.Attrs = append(annotated.Attrs,
				attr("assetId", a.AssetID),
				attr("timestamp", a.Time),
			)
			if a.Removed {
				annotated.Attrs = append(annotated.Attrs, attr("removed", "true"))
			}
			if err := annotated.WriteXML(&buf); err != nil {
				return nil, fmt.Errorf("serializing asset %s: %w", a.AssetID, err)
			}
		} else {
			raw := &elem{name: pascalCase(a.AssetType), text: a.Opaque}
			raw.attrs = []xml.Attr{attr("assetId", a.AssetID), attr("timestamp", a.Time)}
			var tmp bytes.Buffer
			enc := xml.NewEncoder(&tmp)
			if err := raw.encode(enc); err != nil {
				return nil, fmt.Errorf("serializing asset %s: %w", a.AssetID, err)
			}
			if err := enc.Flush(); err != nil {
				return nil, fmt.Errorf("serializing asset %s: %w", a.AssetID, err)
			}
			buf.Write(tmp.Bytes())
		}
		assetsEl.add(&elem{name: "__raw__", text: buf.String()})
	}

	return s.renderWithRaw(root)
}

// renderWithRaw is render with support for pre-serialized fragments, used
// by asset bodies whose XML was built by the tree writer.
func (s *Serializer) renderWithRaw(root *elem) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := writeElem(&buf, root, 0); err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func writeElem(buf *bytes.Buffer, e *elem, depth int) error {
	indent := strings.Repeat("  ", depth)
	if e.name == "__raw__" {
		buf.WriteString(indent)
		buf.WriteString(e.text)
		buf.WriteByte('\n')
		return nil
	}
	buf.WriteString(indent)
	buf.WriteByte('<')
	buf.WriteString(e.name)
	for _, a := range e.attrs {
		fmt.Fprintf(buf, " %s=%q", a.Name.Local, a.Value)
	}
	if e.text == "" && len(e.children) == 0 {
		buf.WriteString("/>\n")
		return nil
	}
	buf.WriteByte('>')
	if e.text != "" {
		if err := xml.EscapeText(buf, []byte(e.text)); err != nil {
			return err
		}
	}
	if len(e.children) > 0 {
		buf.WriteByte('\n')
		for _, c := range e.children {
			if err := writeElem(buf, c, depth+1); err != nil {
				return err
			}
		}
		buf.WriteString(indent)
	}
	fmt.Fprintf(buf, "</%s>\n", e.name)
	return nil
}

// Error emits an MTConnectError document.
func (s *Serializer) Error(code, message string) []byte {
	root := newElem("MTConnectError", attr("xmlns", s.namespace("Error")))
	root.add(s.header())
	errs := root.add(newElem("Errors"))
	errEl := errs.add(newElem("Error", attr("errorCode", code)))
	errEl.text = message

	out, err := s.render(root)
	if err != nil {
		// The error document itself cannot fail to build from plain
		// strings; fall back to a bare fragment if it somehow does.
		return []byte(fmt.Sprintf("<MTConnectError><Errors><Error errorCode=%q/></Errors></MTConnectError>", code))
	}
	return out
}
