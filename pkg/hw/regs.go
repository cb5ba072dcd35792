package hw

import "fmt"

// Register names a 32-bit device register.
type Register string

// Registers touched by the calibration engine.
const (
	RegVCCCtrl      Register = "ACS_VCC_CTRL"
	RegVDDRFCtrl    Register = "ACS_VDDRF_CTRL"
	RegVDDIFCtrl    Register = "ACS_VDDIF_CTRL"
	RegVDDFlashCtrl Register = "ACS_VDDFLASH_CTRL"
	RegVDDPACtrl    Register = "ACS_VDDPA_CTRL"
	RegVDDCCtrl     Register = "ACS_VDDC_CTRL"
	RegVDDMCtrl     Register = "ACS_VDDM_CTRL"
	RegAOUTCtrl     Register = "ACS_AOUT_CTRL"
	RegRCOscCtrl    Register = "ACS_RCOSC_CTRL"
	RegXTAL32KCtrl  Register = "ACS_XTAL32K_CTRL"
	RegRTCCtrl      Register = "ACS_RTC_CTRL"

	RegLSADCfg           Register = "LSAD_CFG"
	RegLSADIntEnable     Register = "LSAD_INT_ENABLE"
	RegLSADMonitorStatus Register = "LSAD_MONITOR_STATUS"

	RegASCCCtrl      Register = "ASCC_CTRL"
	RegASCCCfg       Register = "ASCC_CFG"
	RegASCCPeriodCnt Register = "ASCC_PERIOD_CNT"
	RegASCCPhaseCnt  Register = "ASCC_PHASE_CNT"
	RegASCCSrc       Register = "GPIO_SRC_ASCC"

	RegSysclkCnt  Register = "SYSCTRL_SYSCLK_CNT"
	RegACNTCtrl   Register = "SYSCTRL_ACNT_CTRL"
	RegClkSysCfg  Register = "CLK_SYS_CFG"
	RegClkXTALCfg Register = "CLK_XTAL_CFG"
	RegWatchdog   Register = "WATCHDOG_REFRESH"

	RegTrimLFOffset Register = "TRIM_LSAD_LF_OFFSET"
	RegTrimLFGain   Register = "TRIM_LSAD_LF_GAIN"
)

// NumADCChannels is the number of LSAD channels.
const NumADCChannels = 8

// NumGPIO is the number of GPIO pads.
const NumGPIO = 16

// RegLSADInputSel returns the input selection register of ADC channel ch.
func RegLSADInputSel(ch int) Register {
	return Register(fmt.Sprintf("LSAD_INPUT_SEL%d", ch))
}

// RegLSADData returns the trimmed data register of ADC channel ch.
func RegLSADData(ch int) Register {
	return Register(fmt.Sprintf("LSAD_DATA_TRIM_CH%d", ch))
}

// RegGPIOCfg returns the configuration register of GPIO pad n.
func RegGPIOCfg(n int) Register {
	return Register(fmt.Sprintf("GPIO_CFG%d", n))
}

// Rail control register layout.
var (
	FieldVTrim      = Field{Pos: 0, Width: 6}
	FieldRailEnable = Field{Pos: 8, Width: 1}
	// FieldPADynamic is the dynamic control byte of the VDDPA regulator.
	FieldPADynamic = Field{Reg: RegVDDPACtrl, Pos: 16, Width: 8}
)

// AOUT test mux.
var FieldAOUTSel = Field{Reg: RegAOUTCtrl, Pos: 0, Width: 5}

// AOUT selections.
const (
	AOUTNone     uint32 = 0x00
	AOUTVCC      uint32 = 0x01
	AOUTVDDRF    uint32 = 0x02
	AOUTVDDIF    uint32 = 0x03
	AOUTVDDFlash uint32 = 0x04
	AOUTVDDPA    uint32 = 0x05
	AOUTVDDC     uint32 = 0x06
	AOUTVDDM     uint32 = 0x07
)

// RC oscillator control register layout.
var (
	FieldRC32FTrim    = Field{Reg: RegRCOscCtrl, Pos: 0, Width: 6}
	FieldRC32RangeM25 = Field{Reg: RegRCOscCtrl, Pos: 6, Width: 1}
	FieldRC32Enable   = Field{Reg: RegRCOscCtrl, Pos: 7, Width: 1}
	FieldRCFTrim      = Field{Reg: RegRCOscCtrl, Pos: 8, Width: 6}
	FieldRCRangeM15   = Field{Reg: RegRCOscCtrl, Pos: 14, Width: 1}
	FieldRCEnable     = Field{Reg: RegRCOscCtrl, Pos: 15, Width: 1}
	FieldRCFSel       = Field{Reg: RegRCOscCtrl, Pos: 16, Width: 3}
)

// RC oscillator frequency multipliers for FieldRCFSel.
const (
	RCFSel3MHz  uint32 = 0
	RCFSel12MHz uint32 = 2
	RCFSel24MHz uint32 = 4
	RCFSel48MHz uint32 = 6
)

// 32 kHz crystal control.
var (
	FieldXTAL32Enable = Field{Reg: RegXTAL32KCtrl, Pos: 0, Width: 1}
	FieldXTAL32OK     = Field{Reg: RegXTAL32KCtrl, Pos: 31, Width: 1}
)

// System clock sources for RegClkSysCfg.
const (
	SysclkSrcRC    uint32 = 0
	SysclkSrcRFClk uint32 = 1
)

// Async clock counter sources for RegASCCSrc. GPIO pads use their index.
const ASCCSrcStandbyClk uint32 = 0x10

// GPIO modes for RegGPIOCfg.
const (
	GPIOModeRFClk      uint32 = 0x11
	GPIOModeStandbyClk uint32 = 0x12
)

// ASCC control bits.
const (
	ASCCCntReset       uint32 = 1 << 0
	ASCCPeriodCntStart uint32 = 1 << 1
	ASCCPhaseCntStart  uint32 = 1 << 2
	ASCCPeriodCntBusy  uint32 = 1 << 8
)

// Activity counter control bits.
const (
	ACNTClear uint32 = 1 << 0
	ACNTStart uint32 = 1 << 1
	ACNTStop  uint32 = 1 << 2
)

// LSAD bits.
const (
	LSADReady        uint32 = 1 << 0
	LSADOverrun      uint32 = 1 << 1
	LSADMonitorAlarm uint32 = 1 << 2
	LSADClearAll            = LSADReady | LSADOverrun | LSADMonitorAlarm

	LSADIntEnable uint32 = 1 << 3

	LSADNormalPrescale200 uint32 = 0x0C

	LSADInputAOUT uint32 = 0x1
	LSADInputGND  uint32 = 0x2
	LSADInputVBAT uint32 = 0x3
)

// LSADInputSelect packs the positive and negative inputs of a channel.
func LSADInputSelect(pos, neg uint32) uint32 {
	return pos | neg<<4
}

// WatchdogKey is written to RegWatchdog to refresh the watchdog.
const WatchdogKey uint32 = 0x12344321
