package digitiser

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const DefaultAuthority = "caen.internal"

// Connection types understood by the first generation library.
const (
	ConnUSB         = "USB"
	ConnUSBA4818    = "USB_A4818"
	ConnOpticalLink = "OPTICAL_LINK"
	ConnUSBV4718    = "USB_V4718"
	ConnEthV4718    = "ETH_V4718"
)

type ConnectionSettings struct {
	Generation     int
	ConnType       string
	LinkNum        int
	ConetNode      int
	VMEBaseAddress int
	Authority      string
}

// GenerateURI builds the dig1:// URI used to open a first generation board,
// e.g. dig1://caen.internal/usb?link_num=0.
func GenerateURI(s ConnectionSettings) (string, error) {
	if s.Generation != 1 {
		return "", fmt.Errorf("%w: generation %d", ErrNotImplemented, s.Generation)
	}

	authority := s.Authority
	if authority == "" {
		authority = DefaultAuthority
	}

	query := url.Values{}
	var path string
	switch strings.ToUpper(s.ConnType) {
	case ConnUSB:
		path = "usb"
		query.Set("link_num", strconv.Itoa(s.LinkNum))
	case ConnUSBA4818:
		path = "usb_a4818"
		query.Set("link_num", strconv.Itoa(s.LinkNum))
		query.Set("conet_node", strconv.Itoa(s.ConetNode))
	case ConnOpticalLink:
		path = "optical_link"
		query.Set("link_num", strconv.Itoa(s.LinkNum))
		query.Set("conet_node", strconv.Itoa(s.ConetNode))
	case ConnUSBV4718:
		path = "usb_v4718"
		query.Set("link_num", strconv.Itoa(s.LinkNum))
	case ConnEthV4718:
		path = "eth_v4718"
		query.Set("link_num", strconv.Itoa(s.LinkNum))
	default:
		return "", fmt.Errorf("%w: connection type %q", ErrInvalidParam, s.ConnType)
	}

	if s.VMEBaseAddress != 0 {
		query.Set("vme_base_address", fmt.Sprintf("0x%x", s.VMEBaseAddress))
	}

	u := url.URL{
		Scheme:   "dig1",
		Host:     authority,
		Path:     "/" + path,
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}
