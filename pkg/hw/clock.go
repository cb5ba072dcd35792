package hw

// xtal32Defaults enables the 32 kHz crystal with amplitude control and the
// factory load capacitance.
const xtal32Defaults uint32 = 1<<0 | 1<<1 | 0x08<<8 | 0x04<<16

// InitOscillators starts the RC and RC32 oscillators at nominal trim and
// makes the RC32 oscillator the standby clock.
func (d *Device) InitOscillators() error {
	w, err := d.Read(RegRCOscCtrl)
	if err != nil {
		return err
	}
	fsel := FieldRCFSel.Extract(w)
	w = 0
	w = FieldRCEnable.Insert(w, 1)
	w = FieldRCFTrim.Insert(w, NominalFTrim)
	w = FieldRCFSel.Insert(w, fsel)
	w = FieldRC32Enable.Insert(w, 1)
	w = FieldRC32FTrim.Insert(w, NominalFTrim)
	if err := d.Write(RegRCOscCtrl, w); err != nil {
		return err
	}
	return d.Write(RegRTCCtrl, 1)
}

// NominalFTrim is the oscillator trim code of the untrimmed frequency.
const NominalFTrim uint32 = 32

// EnableXTAL32 turns on the 32 kHz crystal.
func (d *Device) EnableXTAL32() error {
	return d.Write(RegXTAL32KCtrl, xtal32Defaults)
}

// XTAL32Ready reports whether the 32 kHz crystal has started.
func (d *Device) XTAL32Ready() (bool, error) {
	v, err := d.ReadField(FieldXTAL32OK)
	return v != 0, err
}

// SystemClock returns the current system clock configuration.
func (d *Device) SystemClock() (uint32, error) {
	return d.Read(RegClkSysCfg)
}

// SetSystemClock switches the system clock source.
func (d *Device) SetSystemClock(cfg uint32) error {
	return d.Write(RegClkSysCfg, cfg)
}

// SetGPIOMode configures pad n.
func (d *Device) SetGPIOMode(n int, mode uint32) error {
	return d.Write(RegGPIOCfg(n), mode)
}
