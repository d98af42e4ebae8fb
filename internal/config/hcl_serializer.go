// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/tagacct/internal/errors"
)

// MarshalHCL renders the configuration as HCL. Every attribute is written,
// so the output of a defaulted config is its effective form.
func (c *Config) MarshalHCL() []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("max_tags_per_uid", cty.NumberIntVal(int64(c.MaxTagsPerUID)))
	body.SetAttributeValue("counter_sets", cty.NumberIntVal(int64(c.CounterSets)))
	body.SetAttributeValue("max_tagged_sockets", cty.NumberIntVal(int64(c.MaxTaggedSockets)))
	body.SetAttributeValue("max_tag_stats_per_iface", cty.NumberIntVal(int64(c.MaxTagStatsPerIface)))
	body.SetAttributeValue("max_interfaces", cty.NumberIntVal(int64(c.MaxInterfaces)))
	body.SetAttributeValue("ctrl_write_limited", cty.BoolVal(c.CtrlWriteIsLimited()))
	body.SetAttributeValue("stats_readall_limited", cty.BoolVal(c.StatsReadAllIsLimited()))
	if len(c.PrivilegedUIDs) > 0 {
		body.SetAttributeValue("privileged_uids", intList(c.PrivilegedUIDs))
	}
	if len(c.PrivilegedGIDs) > 0 {
		body.SetAttributeValue("privileged_gids", intList(c.PrivilegedGIDs))
	}
	body.SetAttributeValue("log_level", cty.StringVal(c.LogLevel))
	if c.LogJSON {
		body.SetAttributeValue("log_json", cty.True)
	}

	if c.Control != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("control", nil).Body()
		b.SetAttributeValue("socket", cty.StringVal(c.Control.Socket))
	}
	if c.API != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("api", nil).Body()
		b.SetAttributeValue("socket", cty.StringVal(c.API.Socket))
		if c.API.MetricsListen != "" {
			b.SetAttributeValue("metrics_listen", cty.StringVal(c.API.MetricsListen))
		}
	}
	if c.Capture != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("capture", nil).Body()
		b.SetAttributeValue("enabled", cty.BoolVal(c.Capture.Enabled))
		b.SetAttributeValue("nflog_group", cty.NumberIntVal(int64(c.NFLogGroupID())))
		b.SetAttributeValue("socket_table_refresh", cty.StringVal(c.Capture.SocketTableRefresh))
	}
	if c.Netmon != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("netmon", nil).Body()
		b.SetAttributeValue("enabled", cty.BoolVal(c.NetmonEnabled()))
		b.SetAttributeValue("refresh_interval", cty.StringVal(c.Netmon.RefreshInterval))
	}
	if c.Reaper != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("reaper", nil).Body()
		b.SetAttributeValue("interval", cty.StringVal(c.Reaper.Interval))
		b.SetAttributeValue("conntrack_events", cty.BoolVal(c.ConntrackEventsEnabled()))
	}

	return hclwrite.Format(f.Bytes())
}

func intList(ids []int) cty.Value {
	vals := make([]cty.Value, len(ids))
	for i, id := range ids {
		vals[i] = cty.NumberIntVal(int64(id))
	}
	return cty.ListVal(vals)
}

// FormatHCL normalizes HCL source layout.
func FormatHCL(src []byte) ([]byte, error) {
	file, diags := hclwrite.ParseConfig(src, "format.hcl", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "invalid HCL: %s", diags.Error())
	}
	return hclwrite.Format(file.Bytes()), nil
}
