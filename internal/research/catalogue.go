package research

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"venuescout/pkg/types"
)

// Strategy is how an attribute gets researched.
type Strategy string

const (
	// StrategySearch searches the web for "{name} {query}", reads the top
	// result and asks the LLM.
	StrategySearch Strategy = "search"
	// StrategySite walks the subject's own website.
	StrategySite Strategy = "site"
	// StrategyConcertArchive reads yearly show counts from the concert archive.
	StrategyConcertArchive Strategy = "concert_archive"
)

// Attribute is one researched fact and how to find it.
type Attribute struct {
	Key   string
	Label string
	// Query is appended to the subject name for search-strategy lookups.
	Query       string
	Instruction string
	// Prompt is a format string taking the subject name.
	Prompt string
	// Format tells the model the JSON shape to answer with.
	Format string
	// Fields are the reply keys kept in the stored document. Defaults to Key.
	Fields   []string
	Strategy Strategy
	// Last attributes run after every worker has finished.
	Last bool
}

// StoredFields returns the document keys the attribute may write.
func (a Attribute) StoredFields() []string {
	if len(a.Fields) > 0 {
		return a.Fields
	}
	return []string{a.Key}
}

// PromptFor renders the attribute prompt for subject.
func (a Attribute) PromptFor(subject string) string {
	return fmt.Sprintf(a.Prompt, subject)
}

// Catalogue returns the attributes researched for kind.
func Catalogue(kind types.SubjectKind) []Attribute {
	switch kind {
	case types.KindVenue:
		return venueAttributes()
	case types.KindFoodHall:
		return foodHallAttributes()
	default:
		return nil
	}
}

const venueInstruction = "You are a robust venue researcher that gives accurate data."

func venueSearch(key, query, prompt, format string) Attribute {
	return Attribute{
		Key:         key,
		Label:       labelFor(key),
		Query:       query,
		Instruction: venueInstruction,
		Prompt:      prompt,
		Format:      "Return the response as json: " + format + ". If unable to find accurate data, set the json value to null.",
		Strategy:    StrategySearch,
	}
}

func venueAttributes() []Attribute {
	return []Attribute{
		venueSearch("city", "city location",
			"Find the city that the music or theatre venue `%s` is located in.", `{"city": str}`),
		venueSearch("capacity", "venue capacity",
			"Find the capacity of the music or theatre venue `%s`.", `{"capacity": int}`),
		venueSearch("owned", "venue ownership",
			"Find the ownership details of the music or theatre venue `%s`.", `{"owned": str}`),
		venueSearch("management", "venue management",
			"Find the management details of the music or theatre venue `%s`.", `{"management": str}`),
		venueSearch("number_of_stories", "venue number of stories",
			"Find the number of stories of the music or theatre venue `%s`.", `{"number_of_stories": int}`),
		venueSearch("square_footage", "venue square footage",
			"Find the square footage of the music or theatre venue `%s`.", `{"square_footage": int}`),
		venueSearch("number_of_bars", "venue number of bars",
			"Find the number of bars in the music or theatre venue `%s`.", `{"number_of_bars": int}`),
		venueSearch("food_offered", "venue food offered",
			"Find out if food is offered at the music or theatre venue `%s`.", `{"food_offered": bool}`),
		{
			Key:      "vip_packages_access",
			Label:    labelFor("vip_packages_access"),
			Prompt:   "List all VIP benefits at the venue `%s`.",
			Format:   `Return as JSON: {"vip_packages_access": str}.`,
			Strategy: StrategySite,
		},
		{
			Key:      "yearly_shows",
			Label:    "Yearly Shows",
			Strategy: StrategyConcertArchive,
			Last:     true,
		},
	}
}

func hallSearch(key, query, instruction, prompt, format string, fields ...string) Attribute {
	return Attribute{
		Key:         key,
		Label:       labelFor(key),
		Query:       query,
		Instruction: instruction,
		Prompt:      prompt,
		Format:      "Return the response as raw json: " + format,
		Fields:      fields,
		Strategy:    StrategySearch,
	}
}

const hallInstruction = "You are a market researcher and you are helping me find information about certain food halls."

func foodHallAttributes() []Attribute {
	return []Attribute{
		hallSearch("location", "location", hallInstruction,
			`Given this text content, determine the location of the food hall "%s".`,
			`{"city": "CityName", "state": "StateCode"}`, "city", "state"),
		hallSearch("square_footage", "square footage", hallInstruction,
			`Given this text content, determine the square footage of "%s".`,
			`{"square_footage": 10000} or {"square_footage": null} if data is unavailable.`),
		hallSearch("number_of_food_stalls", "number of food stalls", hallInstruction,
			`Given this text content, determine the number of food stalls, bar stalls, and retail stalls in "%s".`,
			`{"food": 3, "bars": 4, "retail": 3}, using null for any count that is not available.`, "food", "bars", "retail"),
		hallSearch("types_of_food_stalls", "types of food stalls",
			"You are a market researcher and you are helping me find information about the types of food stalls in certain food halls.",
			`Given this text content, list the types of food stalls available in "%s".`,
			`{"types_of_food_stalls": ["Mexican", "Italian", "Japanese"]} or {"types_of_food_stalls": null} if no data is found.`),
		hallSearch("demographic", "area demographics",
			"You are a market researcher and you are tasked with gathering demographic information about the area surrounding a specific food hall.",
			`Analyze this text content to provide demographic information of the area surrounding "%s".`,
			`{"population_density": "100/sq.miles", "median_income": "10000", "age_distribution": {"0-10": "10%", "11-24": "30%"}} or {"data": null} if specifics are unavailable.`,
			"population_density", "median_income", "age_distribution"),
		hallSearch("local_area_composition", "surrounding area composition",
			"You are a market researcher and your objective is to understand the composition of the area surrounding a food hall.",
			`Evaluate the text content to describe the area composition around "%s".`,
			`{"composition": ["office", "retail", "residential"]} or {"composition": null} if data is not available.`, "composition"),
		hallSearch("public_transport", "public transport options",
			"You are a market researcher, aiming to find out about public transport options available near a food hall.",
			`Summarize information about nearby public transport for "%s".`,
			`{"public_transport": ["bus", "train", "bike"]} or {"public_transport": null} if information is scarce.`),
		hallSearch("parking_availability", "parking availability",
			"You are a market researcher focusing on parking availability for a particular food hall.",
			`Provide details on parking at "%s".`,
			`{"parking_spots": 1000, "parking_fees": "$5/hr", "peak_time_availability": "10:00am"} or {"data": null} if unavailable.`,
			"parking_spots", "parking_fees", "peak_time_availability"),
		hallSearch("foot_traffic_estimates", "foot traffic estimates",
			"As a market researcher, your task is to estimate the foot traffic around a specific food hall.",
			`Determine the average foot traffic near "%s".`,
			`{"foot_traffic": "100/hr"} or {"foot_traffic": "1000/day"} or {"data": null} if estimates are not directly available.`, "foot_traffic"),
		hallSearch("annual_visitor_count", "annual visitor count",
			"You are tasked with finding the annual visitor count for a food hall as part of a market research project.",
			`Extract information on annual visitor count for "%s".`,
			`{"annual_visitor_count": 1000000} or {"data": null} if no specific numbers are found.`),
		hallSearch("lease_rates", "lease rates",
			"Your objective as a market researcher is to determine the lease rates for spaces within a specific food hall.",
			`Provide the average lease rate for spaces within "%s".`,
			`{"lease_rates": "$800/sq.ft"} or {"data": null} if precise rates are not available.`),
		hallSearch("occupancy_rate", "occupancy rate",
			"As a market researcher, it's your job to find out the occupancy rate of a given food hall.",
			`Analyze to provide the occupancy rate for "%s".`,
			`{"occupancy_rate": "82%"} or {"data": null} if direct data is unavailable.`),
		hallSearch("year_established", "year established",
			"Your role as a market researcher involves finding out when a food hall was first established.",
			`Find out the year of establishment for "%s".`,
			`{"year_established": 1980} or {"data": null} if the exact year is not available.`),
		hallSearch("renovation_history", "renovation history",
			"In your capacity as a market researcher, you are to uncover the renovation history of a food hall.",
			`Detail the renovation history of "%s".`,
			`{"renovation_history": "Details"} or {"data": null} if comprehensive details are not available.`),
		hallSearch("owner", "owner",
			"Your task as a market researcher is to identify the owner or owning entity of a food hall.",
			`Identify the owner of "%s".`,
			`{"owner": "Name", "contact": "ContactInfo"} or {"data": null} if the owner's details are not directly available.`,
			"owner", "contact"),
		hallSearch("management_company", "management company",
			"The aim of your market research is to find out which company manages a specific food hall.",
			`Find out the management company for "%s".`,
			`{"management_company": "CompanyName"} or {"data": null} if the details are not evident.`),
	}
}

// labelFor turns number_of_bars into "Number Of Bars".
func labelFor(key string) string {
	return titleCase(strings.ReplaceAll(key, "_", " "))
}

// NormaliseHallName lower-cases and trims a food hall name, appends
// " food hall" when missing, and title-cases the result.
func NormaliseHallName(raw string) string {
	name := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	if name == "" {
		return ""
	}
	if !strings.Contains(name, "food hall") {
		name += " food hall"
	}
	return titleCase(name)
}

// NormaliseName applies the naming rule for kind.
func NormaliseName(kind types.SubjectKind, raw string) string {
	if kind == types.KindFoodHall {
		return NormaliseHallName(raw)
	}
	return strings.Join(strings.Fields(raw), " ")
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
