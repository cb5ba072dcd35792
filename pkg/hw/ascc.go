package hw

// AsyncPeriods is the window length programmed into the async clock counter.
const AsyncPeriods = 16

// StartASCC resets the async clock counter and starts a new window.
func (d *Device) StartASCC() error {
	steps := []struct {
		reg Register
		val uint32
	}{
		{RegASCCCtrl, ASCCCntReset},
		{RegASCCPeriodCnt, 0},
		{RegASCCPhaseCnt, 0},
		{RegASCCCfg, AsyncPeriods},
		{RegASCCCtrl, ASCCPhaseCntStart | ASCCPeriodCntStart},
	}
	for _, s := range steps {
		if err := d.Write(s.reg, s.val); err != nil {
			return err
		}
	}
	return nil
}

// ASCCBusy reports whether the period counter is still counting.
func (d *Device) ASCCBusy() (bool, error) {
	v, err := d.Read(RegASCCCtrl)
	if err != nil {
		return false, err
	}
	return v&ASCCPeriodCntBusy != 0, nil
}

// TakePeriodCount reads the period counter and resets it.
func (d *Device) TakePeriodCount() (uint32, error) {
	v, err := d.Read(RegASCCPeriodCnt)
	if err != nil {
		return 0, err
	}
	return v, d.Write(RegASCCPeriodCnt, 0)
}

// SelectASCCSource selects the clock the async counter measures.
func (d *Device) SelectASCCSource(src uint32) error {
	return d.Write(RegASCCSrc, src)
}

// StartActivityCounter clears and starts the system clock cycle counter.
func (d *Device) StartActivityCounter() error {
	if err := d.Write(RegACNTCtrl, ACNTClear); err != nil {
		return err
	}
	return d.Write(RegACNTCtrl, ACNTStart)
}

// StopActivityCounter stops and clears the system clock cycle counter.
func (d *Device) StopActivityCounter() error {
	if err := d.Write(RegACNTCtrl, ACNTStop); err != nil {
		return err
	}
	return d.Write(RegACNTCtrl, ACNTClear)
}

// SysclkCount returns the system clock cycles counted since
// StartActivityCounter.
func (d *Device) SysclkCount() (uint32, error) {
	return d.Read(RegSysclkCnt)
}
