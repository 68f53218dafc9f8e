package twincat

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// Element names inside produced node XML.
const (
	TagItemName   = "ItemName"
	TagItemType   = "ItemType"
	TagItemID     = "ItemId"
	TagAxisDef    = "IsgAxisDef"
	TagChannel    = "DefaultChannel"
	TagIndex      = "DefaultIndex"
	TagSdaMds     = "SdaMds"
	TagAchsMds    = "AchsMds"
	ItemTypeKanal = "401"
	ItemTypeAxis  = "403"
)

// NodeXML is the parsed outer document of a node.
type NodeXML struct {
	doc *etree.Document
}

// ParseNodeXML parses XML produced by a node. CDATA sections are kept so
// listings are written back the way they were read.
func ParseNodeXML(data string) (*NodeXML, error) {
	if strings.TrimSpace(data) == "" {
		return nil, fmt.Errorf("xml data is empty")
	}
	doc := etree.NewDocument()
	doc.ReadSettings.PreserveCData = true
	// text arrives decoded; the declaration may still claim UTF-16
	doc.ReadSettings.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	if err := doc.ReadFromString(data); err != nil {
		return nil, fmt.Errorf("parse node xml: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("node xml has no root element")
	}
	return &NodeXML{doc: doc}, nil
}

// Field returns the trimmed text of a direct child of the root element.
func (n *NodeXML) Field(tag string) string {
	if el := n.doc.Root().SelectElement(tag); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// ItemName falls back to a descendant lookup when the root has no ItemName.
func (n *NodeXML) ItemName() string {
	if v := n.Field(TagItemName); v != "" {
		return v
	}
	if el := n.doc.Root().FindElement(".//" + TagItemName); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// Listing returns the text of the first descendant element named tag.
func (n *NodeXML) Listing(tag string) (string, error) {
	el := n.doc.Root().FindElement(".//" + tag)
	if el == nil {
		return "", params.Errorf(params.KindIdentity, tag, "element not found in xml")
	}
	return el.Text(), nil
}

// SetListing replaces the text of the first descendant named tag. The text is
// stored as CDATA when it was CDATA before.
func (n *NodeXML) SetListing(tag, text string) error {
	el := n.doc.Root().FindElement(".//" + tag)
	if el == nil {
		return params.Errorf(params.KindIdentity, tag, "element not found in xml")
	}
	if isCData(el) {
		el.SetCData(text)
	} else {
		el.SetText(text)
	}
	return nil
}

func isCData(el *etree.Element) bool {
	for _, tok := range el.Child {
		if cd, ok := tok.(*etree.CharData); ok {
			if cd.IsCData() {
				return true
			}
			continue
		}
		break
	}
	return false
}

func (n *NodeXML) String() (string, error) {
	return n.doc.WriteToString()
}

// KanalIdentity validates a channel node and returns its Kanal_N name.
func (n *NodeXML) KanalIdentity() (string, error) {
	itemType := n.Field(TagItemType)
	if itemType != ItemTypeKanal {
		return "", params.Errorf(params.KindIdentity, "", "ItemType %q is not a Kanal node", itemType)
	}
	id, err := strconv.Atoi(n.Field(TagItemID))
	if err != nil {
		return "", params.Wrap(params.KindIdentity, TagItemID, err)
	}
	return params.KanalName(id), nil
}

// AxisIdentity locates an axis node inside the channel structure.
// DefaultIndex is 0-based; AxisName is 1-based.
type AxisIdentity struct {
	AxisName       string
	KanalName      string
	ItemName       string
	DefaultChannel int
	DefaultIndex   int
}

// Prefixes lists the parameter name scopes that address this axis.
func (a AxisIdentity) Prefixes() []string { return params.AxisPrefixes(a.DefaultIndex) }

// AxisIdentity validates an axis node via its ItemType and IsgAxisDef block.
func (n *NodeXML) AxisIdentity() (AxisIdentity, error) {
	itemType := n.Field(TagItemType)
	if itemType != ItemTypeAxis {
		return AxisIdentity{}, params.Errorf(params.KindIdentity, "", "ItemType %q is not an Axis node", itemType)
	}
	def := n.doc.Root().SelectElement(TagAxisDef)
	if def == nil {
		return AxisIdentity{}, params.Errorf(params.KindIdentity, TagAxisDef, "block missing")
	}
	text := func(tag string) string {
		if el := def.SelectElement(tag); el != nil {
			return strings.TrimSpace(el.Text())
		}
		return ""
	}
	chText, idxText := text(TagChannel), text(TagIndex)
	itemName := n.ItemName()
	if chText == "" || idxText == "" || itemName == "" {
		return AxisIdentity{}, params.Errorf(params.KindIdentity, TagAxisDef, "missing ItemName, DefaultChannel or DefaultIndex")
	}
	ch, err := strconv.Atoi(chText)
	if err != nil {
		return AxisIdentity{}, params.Wrap(params.KindIdentity, TagChannel, err)
	}
	idx, err := strconv.Atoi(idxText)
	if err != nil {
		return AxisIdentity{}, params.Wrap(params.KindIdentity, TagIndex, err)
	}
	return AxisIdentity{
		AxisName:       params.AxisName(idx),
		KanalName:      params.KanalName(ch),
		ItemName:       itemName,
		DefaultChannel: ch,
		DefaultIndex:   idx,
	}, nil
}

var firstNumber = regexp.MustCompile(`(\d+)`)

// AxisNameFromItemName derives Axis_<n> from the first number in an ItemName,
// dropping leading zeros. "Achse_07" gives Axis_7.
func AxisNameFromItemName(itemName string) (string, error) {
	m := firstNumber.FindString(strings.TrimSpace(itemName))
	if m == "" {
		return "", params.Errorf(params.KindIdentity, itemName, "no axis number in ItemName")
	}
	m = strings.TrimLeft(m, "0")
	if m == "" {
		m = "0"
	}
	return "Axis_" + m, nil
}
