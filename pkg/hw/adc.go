package hw

// ConfigureADC puts the LSAD in normal mode with all inputs parked on VBAT
// and clears pending status.
func (d *Device) ConfigureADC() error {
	if err := d.Write(RegLSADCfg, LSADNormalPrescale200); err != nil {
		return err
	}
	if err := d.ClearADCStatus(); err != nil {
		return err
	}
	for ch := 0; ch < NumADCChannels; ch++ {
		if err := d.Write(RegLSADInputSel(ch), LSADInputSelect(LSADInputVBAT, LSADInputVBAT)); err != nil {
			return err
		}
	}
	return nil
}

// MeasureAOUT routes channel ch to AOUT against GND and enables its
// interrupt.
func (d *Device) MeasureAOUT(ch int) error {
	if err := d.Write(RegLSADInputSel(ch), LSADInputSelect(LSADInputAOUT, LSADInputGND)); err != nil {
		return err
	}
	return d.Write(RegLSADIntEnable, uint32(ch)|LSADIntEnable)
}

// ReleaseADC disables the ADC interrupt and clears all status flags.
func (d *Device) ReleaseADC() error {
	if err := d.Write(RegLSADIntEnable, 0); err != nil {
		return err
	}
	return d.ClearADCStatus()
}

// ClearADCStatus clears the alarm, overrun and ready flags.
func (d *Device) ClearADCStatus() error {
	return d.Write(RegLSADMonitorStatus, LSADClearAll)
}

// ClearADCReady clears the ready flag ahead of the next conversion.
func (d *Device) ClearADCReady() error {
	return d.Write(RegLSADMonitorStatus, LSADReady)
}

// ADCReady reports whether a conversion has completed.
func (d *Device) ADCReady() (bool, error) {
	v, err := d.Read(RegLSADMonitorStatus)
	if err != nil {
		return false, err
	}
	return v&LSADReady != 0, nil
}

// ReadADC returns the last conversion of channel ch.
func (d *Device) ReadADC(ch int) (uint32, error) {
	return d.Read(RegLSADData(ch))
}

// RouteAOUT selects the rail driven onto AOUT.
func (d *Device) RouteAOUT(sel uint32) error {
	return d.WriteField(FieldAOUTSel, sel)
}
