package checkin

import (
	"fmt"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/pbwire"
)

// Fixed values of the chrome-browser check-in profile.
const (
	deviceChromeBrowser = 3
	platformMac         = 2
	channelStable       = 1
	checkinVersion      = 3
	chromeVersion       = "63.0.3234.0"
)

// request is AndroidCheckinRequest restricted to the fields a browser sends.
type request struct {
	AndroidID     int64
	SecurityToken uint64
}

func (r request) marshal() []byte {
	build := pbwire.AppendInt64(nil, 1, platformMac)
	build = pbwire.AppendString(build, 2, chromeVersion)
	build = pbwire.AppendInt64(build, 3, channelStable)

	proto := pbwire.AppendInt64(nil, 12, deviceChromeBrowser)
	proto = pbwire.AppendBytes(proto, 13, build)

	var b []byte
	if r.AndroidID != 0 {
		b = pbwire.AppendInt64(b, 2, r.AndroidID)
	}
	b = pbwire.AppendBytes(b, 4, proto)
	if r.SecurityToken != 0 {
		b = pbwire.AppendFixed64(b, 13, r.SecurityToken)
	}
	b = pbwire.AppendInt64(b, 14, checkinVersion)
	b = pbwire.AppendInt64(b, 22, 0)
	return b
}

func (r *request) unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 2:
			r.AndroidID, err = f.Int64()
		case 13:
			r.SecurityToken, err = f.Fixed64()
		}
		return err
	})
}

// response is AndroidCheckinResponse.
type response struct {
	StatsOK       bool
	TimeMsec      int64
	Digest        string
	AndroidID     uint64
	SecurityToken uint64
	VersionInfo   string
}

func (r response) marshal() []byte {
	b := pbwire.AppendBool(nil, 1, r.StatsOK)
	if r.TimeMsec != 0 {
		b = pbwire.AppendInt64(b, 3, r.TimeMsec)
	}
	if r.Digest != "" {
		b = pbwire.AppendString(b, 4, r.Digest)
	}
	b = pbwire.AppendFixed64(b, 7, r.AndroidID)
	b = pbwire.AppendFixed64(b, 8, r.SecurityToken)
	if r.VersionInfo != "" {
		b = pbwire.AppendString(b, 11, r.VersionInfo)
	}
	return b
}

func (r *response) unmarshal(b []byte) error {
	seen := false
	err := pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			seen = true
			r.StatsOK, err = f.Bool()
		case 3:
			r.TimeMsec, err = f.Int64()
		case 4:
			r.Digest, err = f.Text()
		case 7:
			r.AndroidID, err = f.Fixed64()
		case 8:
			r.SecurityToken, err = f.Fixed64()
		case 11:
			r.VersionInfo, err = f.Text()
		}
		return err
	})
	if err != nil {
		return err
	}
	if !seen {
		return fmt.Errorf("%w: checkin response without stats_ok", errs.ErrProtocol)
	}
	return nil
}
