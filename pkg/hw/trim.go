package hw

import "github.com/montanafw/trimcal/pkg/calibration"

// ApplyTrim writes code into tf, leaving the rest of the register intact.
func (d *Device) ApplyTrim(tf TrimField, code calibration.TrimCode) error {
	w, err := d.Read(tf.Reg)
	if err != nil {
		return err
	}
	w, err = tf.Encode(w, code)
	if err != nil {
		return err
	}
	return d.Write(tf.Reg, w)
}

// CurrentTrim reads the code currently held by tf.
func (d *Device) CurrentTrim(tf TrimField) (calibration.TrimCode, error) {
	w, err := d.Read(tf.Reg)
	if err != nil {
		return 0, err
	}
	return tf.Decode(w), nil
}
