package main

// Classification is the per-pass partition of MPD outputs.
type Classification struct {
	NowEnabled  OutputSet
	NowDisabled OutputSet

	// Doorbells holds enabled doorbell-class outputs in daemon order.
	// The ID is needed to disable them again.
	Doorbells []OutputDescriptor
}

// Classify partitions outputs into speaker and doorbell classes.
//
// The speaker and doorbell checks are independent, so a name configured as both
// shows up in both results. Names that are in neither policy map are ignored.
func Classify(outputs []OutputDescriptor, speakers map[string]SpeakerPolicy, doorbells map[string]DoorbellPolicy) Classification {
	c := Classification{
		NowEnabled:  make(OutputSet),
		NowDisabled: make(OutputSet),
	}

	for _, o := range outputs {
		if _, ok := speakers[o.Name]; ok {
			// MPD does not require unique output names; one enabled instance
			// counts the speaker as enabled so the two sets stay disjoint.
			if o.Enabled {
				c.NowEnabled.Add(o.Name)
				delete(c.NowDisabled, o.Name)
			} else if !c.NowEnabled.Has(o.Name) {
				c.NowDisabled.Add(o.Name)
			}
		}
		if _, ok := doorbells[o.Name]; ok && o.Enabled {
			c.Doorbells = append(c.Doorbells, o)
		}
	}

	return c
}
